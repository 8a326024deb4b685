// Package trafficmodel implements the two coupled Markov chains that
// generate synthetic traffic: a stream model (when does a new stream
// start within a flow) and a packet model (when do response packets
// arrive within a stream). Both share the same JSON graph file format and
// stepping algorithm; only the set of legal emission symbols differs.
//
// Grounded on the original's packet_model package (markov.rs, parse.rs,
// mod.rs), which itself documents its lineage from the tmodel/TGen Markov
// traffic model.
package trafficmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/opd-ai/torsim/pkg/errors"
)

// Symbol is an emission observation: a packet direction, a new-stream
// marker, or a stop-generating marker.
type Symbol string

const (
	SymbolDataOut   Symbol = "+" // client -> server
	SymbolDataIn    Symbol = "-" // server -> client
	SymbolNewStream Symbol = "$"
	SymbolStop      Symbol = "F"
)

// Kind selects which legal-emission set a Chain enforces.
type Kind int

const (
	// KindStream models new-stream arrivals within a flow; its only legal
	// emissions are $ and F.
	KindStream Kind = iota
	// KindPacket models packet arrivals within a stream; its only legal
	// emissions are +, -, and F.
	KindPacket
)

func (k Kind) legal(s Symbol) bool {
	switch k {
	case KindStream:
		return s == SymbolNewStream || s == SymbolStop
	case KindPacket:
		return s == SymbolDataOut || s == SymbolDataIn || s == SymbolStop
	default:
		return false
	}
}

func (k Kind) name() string {
	if k == KindStream {
		return "stream"
	}
	return "packet"
}

type delayKind int

const (
	delayNone delayKind = iota
	delayExponential
	delayLognormal
)

type delay struct {
	kind  delayKind
	lambda, mu, sigma float64
}

func newDelay(expLambda, lognormMu, lognormSigma float64, source, target string) (delay, error) {
	switch {
	case expLambda > 0 && lognormMu == 0 && lognormSigma == 0:
		return delay{kind: delayExponential, lambda: expLambda}, nil
	case lognormMu > 0 && lognormSigma > 0 && expLambda == 0:
		return delay{kind: delayLognormal, mu: lognormMu, sigma: lognormSigma}, nil
	case expLambda == 0 && lognormMu == 0 && lognormSigma == 0:
		return delay{kind: delayNone}, nil
	default:
		return delay{}, errors.ModelError(
			fmt.Sprintf("unsupported delay parametrization on edge %s->%s: exp_lambda=%v lognorm_mu=%v lognorm_sigma=%v",
				source, target, expLambda, lognormMu, lognormSigma), nil)
	}
}

// sample draws a delay in microsecond resolution. rate/mu/sigma are
// already expressed in per-microsecond terms, matching the upstream
// model's units, so no further unit scaling is applied.
func (d delay) sample(r *rand.Rand) time.Duration {
	switch d.kind {
	case delayExponential:
		v := r.ExpFloat64() / d.lambda
		return time.Duration(math.Round(v)) * time.Microsecond
	case delayLognormal:
		v := math.Exp(d.mu + d.sigma*r.NormFloat64())
		return time.Duration(math.Round(v)) * time.Microsecond
	default:
		return 0
	}
}

type action struct {
	weight float64
	symbol Symbol
	delay  delay
}

type edge struct {
	weight float64
	target string
}

type state struct {
	id          string
	transitions []edge
	actions     []action
}

// Document is a parsed traffic-model JSON file: a directed multigraph of
// state/observation nodes and transition/emission links.
type Document struct {
	raw rawDocument
}

type rawDocument struct {
	Directed   bool            `json:"directed"`
	Multigraph bool            `json:"multigraph"`
	Graph      json.RawMessage `json:"graph"`
	Nodes      []rawNode       `json:"nodes"`
	Links      []rawLink       `json:"links"`
}

type rawNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type rawLink struct {
	Type         string  `json:"type"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	Weight       float64 `json:"weight"`
	ExpLambda    float64 `json:"exp_lambda"`
	LognormMu    float64 `json:"lognorm_mu"`
	LognormSigma float64 `json:"lognorm_sigma"`
}

// LoadDocument reads and parses a traffic-model JSON file from path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InputError(fmt.Sprintf("reading traffic model %s", path), err)
	}
	return ParseDocument(data)
}

// ParseDocument parses a traffic-model JSON document from raw bytes.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.InputError("parsing traffic model JSON", err)
	}
	return &Document{raw: raw}, nil
}

// Chain is a constructed Markov chain ready to be stepped from a starting
// time. It is not safe for concurrent use; each per-client/per-stream
// chain instance must be owned by a single goroutine.
type Chain struct {
	kind         Kind
	states       map[string]*state
	start        string
	currentState string
	currentTime  time.Time
	stopped      bool
}

// NewChain builds a Chain of the given kind from doc, starting at
// startTime. Construction fails if the document is malformed: multiple or
// missing start nodes, edges referencing unknown states, or an
// unsupported delay parametrization on some emission edge.
func NewChain(doc *Document, kind Kind, startTime time.Time) (*Chain, error) {
	states := make(map[string]*state)
	var start string
	haveStart := false

	for _, n := range doc.raw.Nodes {
		switch n.Type {
		case "":
			if n.ID != "start" {
				return nil, errors.ModelError(fmt.Sprintf("start node has non-\"start\" id %q", n.ID), nil)
			}
			if haveStart {
				return nil, errors.ModelError("multiple start nodes in traffic model", nil)
			}
			states[n.ID] = &state{id: n.ID}
			start = n.ID
			haveStart = true
		case "state":
			states[n.ID] = &state{id: n.ID}
		case "observation":
			// Observation nodes only name a symbol; the symbol itself is
			// recovered from each emission edge's target, so no state is
			// needed for them.
		default:
			return nil, errors.ModelError(fmt.Sprintf("unknown %s model node type %q", kind.name(), n.Type), nil)
		}
	}
	if !haveStart {
		return nil, errors.ModelError(fmt.Sprintf("%s model has no start node", kind.name()), nil)
	}

	for _, l := range doc.raw.Links {
		switch l.Type {
		case "emission":
			d, err := newDelay(l.ExpLambda, l.LognormMu, l.LognormSigma, l.Source, l.Target)
			if err != nil {
				return nil, err
			}
			sym := Symbol(l.Target)
			switch sym {
			case SymbolDataOut, SymbolDataIn, SymbolNewStream, SymbolStop:
			default:
				return nil, errors.ModelError(fmt.Sprintf("unknown emission target %q", l.Target), nil)
			}
			src, ok := states[l.Source]
			if !ok {
				return nil, errors.ModelError(fmt.Sprintf("emission edge references unknown state %q", l.Source), nil)
			}
			src.actions = append(src.actions, action{weight: l.Weight, symbol: sym, delay: d})
		case "transition":
			src, ok := states[l.Source]
			if !ok {
				return nil, errors.ModelError(fmt.Sprintf("transition edge references unknown state %q", l.Source), nil)
			}
			src.transitions = append(src.transitions, edge{weight: l.Weight, target: l.Target})
		default:
			return nil, errors.ModelError(fmt.Sprintf("unknown link type %q", l.Type), nil)
		}
	}

	return &Chain{
		kind:         kind,
		states:       states,
		start:        start,
		currentState: start,
		currentTime:  startTime,
	}, nil
}

// Stopped reports whether the chain has emitted a stop-generating
// observation (or been clamped to not_after on a prior Next call).
func (c *Chain) Stopped() bool { return c.stopped }

// CurrentTime returns the chain's internal clock.
func (c *Chain) CurrentTime() time.Time { return c.currentTime }

// AdvanceTo moves the chain's internal clock to newTime without touching
// any other state, matching MarkovChain::advance_to.
func (c *Chain) AdvanceTo(newTime time.Time) { c.currentTime = newTime }

func weightedPick[T any](r *rand.Rand, items []T, weight func(T) float64) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, errors.ModelError("no weighted choices available", nil)
	}
	total := 0.0
	for _, it := range items {
		total += weight(it)
	}
	if total <= 0 {
		return zero, errors.ModelError("weighted choices sum to zero or less", nil)
	}
	pick := r.Float64() * total
	cum := 0.0
	for _, it := range items {
		cum += weight(it)
		if pick < cum {
			return it, nil
		}
	}
	return items[len(items)-1], nil
}

// Next steps the chain once: pick a weighted transition, pick a weighted
// emission of the resulting state, sample its delay, clamp/advance the
// clock against notAfter, and return the pre-advance time and the
// emitted symbol. Calling Next after the chain has stopped returns the
// frozen current time and SymbolStop without consuming randomness.
func (c *Chain) Next(notAfter time.Time, r *rand.Rand) (time.Time, Symbol, error) {
	if c.stopped {
		return c.currentTime, SymbolStop, nil
	}

	cur, ok := c.states[c.currentState]
	if !ok {
		return time.Time{}, "", errors.InternalError(fmt.Sprintf("chain in unknown state %q", c.currentState), nil)
	}
	nextEdge, err := weightedPick(r, cur.transitions, func(e edge) float64 { return e.weight })
	if err != nil {
		return time.Time{}, "", err
	}
	nextState, ok := c.states[nextEdge.target]
	if !ok {
		return time.Time{}, "", errors.InternalError(fmt.Sprintf("transition targets unknown state %q", nextEdge.target), nil)
	}
	act, err := weightedPick(r, nextState.actions, func(a action) float64 { return a.weight })
	if err != nil {
		return time.Time{}, "", err
	}
	if !c.kind.legal(act.symbol) {
		return time.Time{}, "", errors.ModelError(
			fmt.Sprintf("%s model emitted illegal symbol %q", c.kind.name(), act.symbol), nil)
	}

	emitTime := c.currentTime
	d := act.delay.sample(r)

	if act.symbol == SymbolStop {
		c.stopped = true
	}
	if d >= notAfter.Sub(c.currentTime) {
		c.currentTime = notAfter
		c.stopped = true
	} else {
		c.currentTime = c.currentTime.Add(d)
	}
	c.currentState = nextState.id

	return emitTime, act.symbol, nil
}

// CollectPacketTimestamps drives a packet-model chain to completion (or
// until notAfter), returning the server->client ("-") packet timestamps
// in emission order. Client->server ("+") packets are discarded: this
// simulator only analyzes server->client traffic.
func (c *Chain) CollectPacketTimestamps(notAfter time.Time, r *rand.Rand) ([]time.Time, error) {
	if c.kind != KindPacket {
		return nil, errors.InternalError("CollectPacketTimestamps called on a non-packet chain", nil)
	}
	var out []time.Time
	for !c.stopped {
		t, sym, err := c.Next(notAfter, r)
		if err != nil {
			return nil, err
		}
		if sym == SymbolDataIn {
			out = append(out, t)
		}
	}
	return out, nil
}

// NextStreamStart drives a stream-model chain forward until it emits a
// new-stream ($) symbol or stops, returning the new-stream time and
// whether one was produced before the chain stopped.
func (c *Chain) NextStreamStart(notAfter time.Time, r *rand.Rand) (time.Time, bool, error) {
	if c.kind != KindStream {
		return time.Time{}, false, errors.InternalError("NextStreamStart called on a non-stream chain", nil)
	}
	for !c.stopped {
		t, sym, err := c.Next(notAfter, r)
		if err != nil {
			return time.Time{}, false, err
		}
		if sym == SymbolNewStream {
			return t, true, nil
		}
	}
	return c.currentTime, false, nil
}
