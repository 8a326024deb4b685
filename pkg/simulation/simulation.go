// Package simulation drives the epoch loop: for every consensus in
// ascending valid_after order it injects the configured adversary,
// recomputes bandwidth weights, builds an epoch-scoped circuit
// generator, and fans the epoch's work out across the simulated client
// population in parallel, finally merging every client's trace buffer
// into the run's output.
//
// Grounded on the original's sim.rs (Simulator::run, the
// consensus-peekable-iterator epoch-boundary logic, and
// rayon::par_iter_mut's parallel-client-dispatch role, replaced here by
// golang.org/x/sync/errgroup).
package simulation

import (
	"fmt"
	mathrand "math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/torsim/pkg/adversary"
	"github.com/opd-ai/torsim/pkg/bwweights"
	"github.com/opd-ai/torsim/pkg/circuit"
	"github.com/opd-ai/torsim/pkg/directory"
	"github.com/opd-ai/torsim/pkg/errors"
	"github.com/opd-ai/torsim/pkg/logger"
	"github.com/opd-ai/torsim/pkg/metrics"
	"github.com/opd-ai/torsim/pkg/observer"
	"github.com/opd-ai/torsim/pkg/path"
	"github.com/opd-ai/torsim/pkg/prng"
	"github.com/opd-ai/torsim/pkg/trace"
	"github.com/opd-ai/torsim/pkg/trafficmodel"
	"github.com/opd-ai/torsim/pkg/usermodel"
)

// epochSpan is the fallback epoch duration used when no following
// consensus exists, capped at the simulation's overall end time.
const epochSpan = 3 * time.Hour

// Config bundles the resolved run parameters the engine needs per spec
// §4.1: the client population, the adversary to inject each epoch, and
// the two traffic-model documents driving the user model.
type Config struct {
	NumClients      uint64
	FlowsEvery10Min float64
	StreamModel     *trafficmodel.Document
	PacketModel     *trafficmodel.Document
	Adversary       *adversary.Adversary
	Seed            uint64
	MaxWorkers      int
}

// client holds one simulated client's persistent per-run state: its
// circuit manager, guard selection, and user model all carry over from
// epoch to epoch.
type client struct {
	id       uint64
	manager  *circuit.Manager
	observer *observer.ClientObserver
	user     *usermodel.PrivcountUser
	rng      *mathrand.Rand
}

// Engine runs the epoch loop described in spec.md §4.1 over a sequence
// of consensus handles, writing the merged output trace to sink.
type Engine struct {
	cfg     Config
	prng    *prng.Service
	exitIDs *observer.ExitIDRegistry
	msgIDs  *observer.MessageCounter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewEngine constructs an Engine from cfg. m may be nil; a freshly
// created Metrics is used in that case.
func NewEngine(cfg Config, log *logger.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		cfg:     cfg,
		prng:    prng.New(cfg.Seed),
		exitIDs: observer.NewExitIDRegistry(),
		msgIDs:  observer.NewMessageCounter(),
		logger:  log.Component("simulation"),
		metrics: m,
	}
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Run iterates handles in ascending valid_after order, processes one
// epoch per consensus, and writes the globally ordered merged trace to
// sink. simulationEnd bounds every client's user model lifetime and the
// final epoch's t_end.
func (e *Engine) Run(handles []directory.ConsensusHandle, simulationEnd time.Time, sink trace.Sink) error {
	if len(handles) == 0 {
		return errors.ConsensusError("no consensuses found in the requested time range", nil)
	}

	worker := trace.NewWorker(sink, e.cfg.MaxWorkers*2)
	clients := e.newClientPopulation(handles[0].Time, simulationEnd)

	for i, h := range handles {
		consensus, err := h.Load()
		if err != nil {
			return errors.ConsensusError(fmt.Sprintf("loading consensus %s", h.Path), err)
		}
		if consensus.ValidAfter.IsZero() {
			return errors.ConsensusError(fmt.Sprintf("consensus %s missing valid_after", h.Path), nil)
		}

		tStart := consensus.ValidAfter
		var tEnd time.Time
		if i+1 < len(handles) {
			tEnd = handles[i+1].Time
			if simulationEnd.Before(tEnd) {
				tEnd = simulationEnd
			}
		} else {
			tEnd = tStart.Add(epochSpan)
			if simulationEnd.Before(tEnd) {
				tEnd = simulationEnd
			}
		}

		if e.cfg.Adversary != nil {
			if err := e.cfg.Adversary.ModifyConsensus(consensus); err != nil {
				return errors.WeightsError("injecting adversary into consensus", err)
			}
		}
		if err := bwweights.Recompute(consensus); err != nil {
			return errors.WeightsError("recomputing bandwidth weights", err)
		}
		e.exitIDs.RegisterConsensus(consensus)

		gen := path.NewCircuitGenerator(consensus)
		e.logger.Info("processing epoch", "valid_after", tStart, "t_end", tEnd, "relays", len(consensus.Relays))

		epochStarted := time.Now()
		if err := e.runEpoch(clients, tStart, tEnd, gen); err != nil {
			return err
		}
		e.metrics.RecordEpoch(time.Since(epochStarted))
	}

	buffers := make([][]trace.Entry, len(clients))
	for i, c := range clients {
		buffers[i] = c.observer.Entries()
	}
	merged := observer.MergeOrdered(buffers)
	e.metrics.TraceRowsWritten.Add(int64(len(merged)))
	worker.Push(merged)

	if err := worker.Close(); err != nil {
		return errors.TraceError("writing output trace", err)
	}
	return nil
}

// newClientPopulation constructs the run's fixed client set, each with
// its own circuit manager, observer, RNG stream, and user model clocked
// to start at startTime and never producing requests past notAfter.
func (e *Engine) newClientPopulation(startTime, notAfter time.Time) []*client {
	clients := make([]*client, e.cfg.NumClients)
	for i := range clients {
		id := uint64(i)
		rng := mathrand.New(e.prng.Stream(id))
		clients[i] = &client{
			id:       id,
			manager:  circuit.NewManager(fmt.Sprintf("client-%d", id), e.logger),
			observer: observer.NewClientObserver(id, e.exitIDs, e.msgIDs),
			rng:      rng,
			user: usermodel.NewPrivcountUser(
				startTime, e.cfg.FlowsEvery10Min,
				e.cfg.StreamModel, e.cfg.PacketModel,
				notAfter, rng,
			),
		}
	}
	return clients
}

// runEpoch dispatches every client's HandleNewEpoch concurrently, capped
// at cfg.MaxWorkers in flight at once (golang.org/x/sync/errgroup
// standing in for the original's rayon::par_iter_mut).
func (e *Engine) runEpoch(clients []*client, tStart, tEnd time.Time, gen path.Generator) error {
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxWorkers)

	for _, c := range clients {
		c := c
		g.Go(func() error {
			return c.manager.HandleNewEpoch(tStart, tEnd, gen, c.rng, c.observer, c.user.Next)
		})
	}
	return g.Wait()
}
