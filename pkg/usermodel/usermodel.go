// Package usermodel implements the PrivCount-derived client behavior
// model: a flow-arrival process layered over the stream and packet Markov
// chains from pkg/trafficmodel. It produces the sequence of HTTPS
// requests (and their server-side response packet timestamps) a
// simulated client issues over its lifetime.
//
// Grounded on the original's user.rs (PrivcountUser, ExponentialFlowModel,
// get_privcount_users, get_privcount_circuits_10min).
package usermodel

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/opd-ai/torsim/pkg/trafficmodel"
)

// Request is a single HTTPS request the user model produces: when it
// happens, which port it targets, and the timestamps at which the server
// is modeled to send response packets.
type Request struct {
	Time             time.Time
	Port             uint16
	PacketTimestamps []time.Time
}

// RequestPort is the only port this simulator's user model generates
// requests for.
const RequestPort uint16 = 443

// ExponentialFlowModel emits new-flow arrival times from an exponential
// inter-arrival distribution parameterized by a target flow rate.
type ExponentialFlowModel struct {
	currentTime time.Time
	lambda      float64 // rate per microsecond
}

// NewExponentialFlowModel constructs a flow model starting at startTime
// that emits flowsEvery10Min flows on average per ten-minute window.
func NewExponentialFlowModel(startTime time.Time, flowsEvery10Min float64) *ExponentialFlowModel {
	usecPerFlow := (10.0 * 60.0 * 1_000_000.0) / flowsEvery10Min
	rate := 1.0 / usecPerFlow
	return &ExponentialFlowModel{currentTime: startTime, lambda: rate}
}

// AdvanceTo moves the model's clock forward without sampling a new
// arrival, used to keep the flow clock in sync with an active flow.
func (m *ExponentialFlowModel) AdvanceTo(t time.Time) { m.currentTime = t }

// Next samples the next flow arrival time and advances the model's clock
// to it.
func (m *ExponentialFlowModel) Next(r *rand.Rand) time.Time {
	micros := math.Round(r.ExpFloat64() / m.lambda)
	m.currentTime = m.currentTime.Add(time.Duration(micros) * time.Microsecond)
	return m.currentTime
}

// PrivcountUser is the PrivCount-derived user behavior model: an
// exponential flow-arrival clock, with each flow driving a stream-model
// chain that in turn triggers packet-model chains for each stream's
// response traffic.
type PrivcountUser struct {
	flowModel   *ExponentialFlowModel
	currentFlow *trafficmodel.Chain
	streamDoc   *trafficmodel.Document
	packetDoc   *trafficmodel.Document
	notAfter    time.Time
	rng         *rand.Rand
}

// NewPrivcountUser constructs a user model starting at startTime, that
// creates on average flowsEvery10Min flows per ten-minute window, never
// producing packets beyond notAfter.
func NewPrivcountUser(
	startTime time.Time,
	flowsEvery10Min float64,
	streamDoc, packetDoc *trafficmodel.Document,
	notAfter time.Time,
	rng *rand.Rand,
) *PrivcountUser {
	return &PrivcountUser{
		flowModel: NewExponentialFlowModel(startTime, flowsEvery10Min),
		streamDoc: streamDoc,
		packetDoc: packetDoc,
		notAfter:  notAfter,
		rng:       rng,
	}
}

// Next produces the next Request, or (nil, nil) once the model has
// advanced past notAfter with no further requests to emit.
func (u *PrivcountUser) Next() (*Request, error) {
	for {
		if u.currentFlow == nil {
			flowTime := u.flowModel.Next(u.rng)
			if !flowTime.Before(u.notAfter) {
				return nil, nil
			}
			chain, err := trafficmodel.NewChain(u.streamDoc, trafficmodel.KindStream, flowTime)
			if err != nil {
				return nil, err
			}
			u.currentFlow = chain
		}

		requestTime, ok, err := u.currentFlow.NextStreamStart(u.notAfter, u.rng)
		if err != nil {
			return nil, err
		}
		if !ok {
			u.currentFlow = nil
			continue
		}

		// Make sure the next flow arrival doesn't overlap this stream.
		u.flowModel.AdvanceTo(requestTime)

		packetChain, err := trafficmodel.NewChain(u.packetDoc, trafficmodel.KindPacket, requestTime)
		if err != nil {
			return nil, err
		}
		timestamps, err := packetChain.CollectPacketTimestamps(u.notAfter, u.rng)
		if err != nil {
			return nil, err
		}

		if len(timestamps) > 0 {
			last := timestamps[len(timestamps)-1]
			u.currentFlow.AdvanceTo(last)
			u.flowModel.AdvanceTo(last)
		}

		return &Request{Time: requestTime, Port: RequestPort, PacketTimestamps: timestamps}, nil
	}
}

// privcountScaleFactor derives the raw-tally-to-population scale factor
// tornettools' generate_tgen.py __get_client_counts() uses: the inverse
// of the measurement's sampling fraction, spread evenly across the day's
// ten-minute periods.
func privcountScaleFactor(privcountScale float64, periodsPerDay int) float64 {
	return (1.0 / privcountScale) / float64(periodsPerDay)
}

// GetPrivcountUsers returns the default simulated client population size,
// derived from the PrivCount EntryActiveClientIPCount tally (Jansen, CCS
// 2018, "Privacy-Preserving Dynamic Learning of Tor Network Traffic").
func GetPrivcountUsers() uint64 {
	const raw float64 = 1436887
	const privcountScale = 0.0126
	const periodsPerDay = 144
	return uint64(raw * privcountScaleFactor(privcountScale, periodsPerDay))
}

// GetPrivcountCircuits10Min returns the default number of flows created
// every ten minutes, derived from the PrivCount ExitActiveCircuitCount
// tally. Callers scale this by --load-scale to get flows_every_10min.
func GetPrivcountCircuits10Min() float64 {
	const raw float64 = 4575895
	const privcountScale = 0.0213
	const periodsPerDay = 144
	return raw * privcountScaleFactor(privcountScale, periodsPerDay)
}

// FlowsEvery10Min scales the default PrivCount circuit rate by loadScale,
// matching spec's flows_every_10min = raw·(1/privcount_scale)/144·load_scale.
func FlowsEvery10Min(loadScale float64) float64 {
	return GetPrivcountCircuits10Min() * loadScale
}
