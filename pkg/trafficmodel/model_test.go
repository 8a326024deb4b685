package trafficmodel

import (
	"math/rand/v2"
	"testing"
	"time"
)

const sampleStreamModelJSON = `{
  "directed": true, "multigraph": true, "graph": {},
  "nodes": [
    {"id": "start"},
    {"type": "state", "id": "s0"},
    {"type": "observation", "id": "$"},
    {"type": "observation", "id": "F"}
  ],
  "links": [
    {"type": "transition", "source": "start", "target": "s0", "weight": 1.0},
    {"type": "transition", "source": "s0", "target": "s0", "weight": 1.0},
    {"type": "emission", "source": "s0", "target": "$", "weight": 1.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0},
    {"type": "emission", "source": "s0", "target": "F", "weight": 0.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0}
  ]
}`

const samplePacketModelJSON = `{
  "directed": true, "multigraph": true, "graph": {},
  "nodes": [
    {"id": "start"},
    {"type": "state", "id": "p0"},
    {"type": "observation", "id": "-"},
    {"type": "observation", "id": "F"}
  ],
  "links": [
    {"type": "transition", "source": "start", "target": "p0", "weight": 1.0},
    {"type": "transition", "source": "p0", "target": "p0", "weight": 1.0},
    {"type": "emission", "source": "p0", "target": "-", "weight": 1.0,
     "exp_lambda": 0.001, "lognorm_mu": 0, "lognorm_sigma": 0},
    {"type": "emission", "source": "p0", "target": "F", "weight": 0.0,
     "exp_lambda": 0, "lognorm_mu": 0, "lognorm_sigma": 0}
  ]
}`

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func TestParseDocumentAndBuildStreamChain(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleStreamModelJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chain, err := NewChain(doc, KindStream, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chain.CurrentTime() != start {
		t.Error("expected chain to start at given time")
	}
}

func TestStreamChainEmitsOnlyLegalSymbols(t *testing.T) {
	doc, _ := ParseDocument([]byte(sampleStreamModelJSON))
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chain, err := NewChain(doc, KindStream, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notAfter := start.Add(time.Hour)
	r := testRand(1)
	_, sym, err := chain.Next(notAfter, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sym != SymbolNewStream {
		t.Errorf("expected $, got %s", sym)
	}
}

func TestPacketChainCollectsOnlyServerToClient(t *testing.T) {
	doc, _ := ParseDocument([]byte(samplePacketModelJSON))
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chain, err := NewChain(doc, KindPacket, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notAfter := start.Add(time.Hour)
	r := testRand(2)
	// Force an immediate stop after a bounded number of steps by using a
	// tight not_after window; the weight-0 F emission is unreachable here,
	// so rely on notAfter clamping to terminate the chain deterministically.
	notAfter = start.Add(5 * time.Millisecond)
	timestamps, err := chain.CollectPacketTimestamps(notAfter, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ts := range timestamps {
		if ts.After(notAfter) {
			t.Errorf("timestamp %v exceeds not_after %v", ts, notAfter)
		}
	}
}

func TestNewDelayRejectsInvalidCombination(t *testing.T) {
	if _, err := newDelay(5, 1, 1, "a", "b"); err == nil {
		t.Error("expected error for both exponential and lognormal params set")
	}
}

func TestNewDelayAcceptsValidCombinations(t *testing.T) {
	if _, err := newDelay(5, 0, 0, "a", "b"); err != nil {
		t.Errorf("unexpected error for exponential-only: %v", err)
	}
	if _, err := newDelay(0, 1, 1, "a", "b"); err != nil {
		t.Errorf("unexpected error for lognormal-only: %v", err)
	}
	if _, err := newDelay(0, 0, 0, "a", "b"); err != nil {
		t.Errorf("unexpected error for zero/none: %v", err)
	}
}

func TestMultipleStartNodesRejected(t *testing.T) {
	bad := `{"directed":true,"multigraph":true,"graph":{},
	  "nodes":[{"id":"start"},{"id":"start"}],"links":[]}`
	doc, _ := ParseDocument([]byte(bad))
	if _, err := NewChain(doc, KindStream, time.Now()); err == nil {
		t.Error("expected error for multiple start nodes")
	}
}

func TestPacketModelRejectsStreamEmission(t *testing.T) {
	bad := `{"directed":true,"multigraph":true,"graph":{},
	  "nodes":[{"id":"start"},{"type":"state","id":"p0"}],
	  "links":[
	    {"type":"transition","source":"start","target":"p0","weight":1.0},
	    {"type":"transition","source":"p0","target":"p0","weight":1.0},
	    {"type":"emission","source":"p0","target":"$","weight":1.0,"exp_lambda":0,"lognorm_mu":0,"lognorm_sigma":0}
	  ]}`
	doc, err := ParseDocument([]byte(bad))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	chain, err := NewChain(doc, KindPacket, time.Now())
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if _, _, err := chain.Next(time.Now().Add(time.Hour), testRand(3)); err == nil {
		t.Error("expected error for packet model emitting $ (illegal for KindPacket)")
	}
}

func TestAdvanceToChangesOnlyClock(t *testing.T) {
	doc, _ := ParseDocument([]byte(sampleStreamModelJSON))
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chain, _ := NewChain(doc, KindStream, start)
	newTime := start.Add(time.Minute)
	chain.AdvanceTo(newTime)
	if chain.CurrentTime() != newTime {
		t.Error("expected AdvanceTo to update current time")
	}
	if chain.Stopped() {
		t.Error("AdvanceTo should not change stopped state")
	}
}
