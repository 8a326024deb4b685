package path

import (
	"math/rand/v2"
	"testing"

	"github.com/opd-ai/torsim/pkg/directory"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func testRelay(nickname, fp string, bw uint64, flags ...directory.Flag) *directory.Relay {
	return &directory.Relay{
		Nickname:        nickname,
		Fingerprint:     fp,
		Address:         "10.0.0.1",
		ORPort:          9001,
		Flags:           flags,
		BandwidthWeight: bw,
		ExitPolicy:      directory.AcceptAllPolicy(),
	}
}

func testConsensus() *directory.Consensus {
	return &directory.Consensus{
		Relays: []*directory.Relay{
			testRelay("Guard1", "G1", 1000, directory.FlagGuard, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
			testRelay("Guard2", "G2", 1000, directory.FlagGuard, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
			testRelay("Middle1", "M1", 1000, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
			testRelay("Middle2", "M2", 1000, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
			testRelay("Exit1", "E1", 1000, directory.FlagExit, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
			testRelay("Exit2", "E2", 1000, directory.FlagExit, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
		},
	}
}

func TestNumRelays(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	guard, middle, exit := g.NumRelays()
	if guard != 2 || middle != 2 || exit != 2 {
		t.Errorf("expected 2/2/2, got %d/%d/%d", guard, middle, exit)
	}
}

func TestLookupRelay(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	if _, ok := g.LookupRelay("G1"); !ok {
		t.Error("expected to find G1")
	}
	if _, ok := g.LookupRelay("nonexistent"); ok {
		t.Error("expected not to find an unknown fingerprint")
	}
}

func TestSampleNewGuardExcludesExisting(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	r, err := g.SampleNewGuard(map[string]struct{}{"G1": {}}, testRand(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Fingerprint != "G2" {
		t.Errorf("expected only remaining guard G2, got %s", r.Fingerprint)
	}
}

func TestSampleNewGuardErrorsWhenNoneEligible(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	_, err := g.SampleNewGuard(map[string]struct{}{"G1": {}, "G2": {}}, testRand(1))
	if err == nil {
		t.Error("expected an error when no guard-eligible relays remain")
	}
}

func TestBuildCircuitProducesThreeDistinctHops(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	c, err := g.BuildCircuit(443, "G1", false, false, testRand(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Guard != "G1" {
		t.Errorf("expected guard G1, got %s", c.Guard)
	}
	if c.Middle == c.Guard || c.Exit == c.Guard || c.Middle == c.Exit {
		t.Errorf("expected three distinct hops, got %+v", c)
	}
}

func TestBuildCircuitUnknownGuardFails(t *testing.T) {
	g := NewCircuitGenerator(testConsensus())
	if _, err := g.BuildCircuit(443, "nonexistent", false, false, testRand(4)); err == nil {
		t.Error("expected error for an unknown guard fingerprint")
	}
}

func TestBuildCircuitRespectsExitPolicy(t *testing.T) {
	consensus := testConsensus()
	for _, r := range consensus.Relays {
		if r.Fingerprint == "E1" {
			r.ExitPolicy = directory.RejectAllPolicy()
		}
	}
	g := NewCircuitGenerator(consensus)
	c, err := g.BuildCircuit(443, "G1", false, false, testRand(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Exit != "E2" {
		t.Errorf("expected the only policy-permitting exit E2, got %s", c.Exit)
	}
}

func TestBuildCircuitRespectsFastStable(t *testing.T) {
	consensus := &directory.Consensus{Relays: []*directory.Relay{
		testRelay("Guard1", "G1", 1000, directory.FlagGuard, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
		testRelay("Middle1", "M1", 1000, directory.FlagRunning, directory.FlagValid), // not fast/stable
		testRelay("Middle2", "M2", 1000, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
		testRelay("Exit1", "E1", 1000, directory.FlagExit, directory.FlagRunning, directory.FlagValid, directory.FlagFast, directory.FlagStable),
	}}
	g := NewCircuitGenerator(consensus)
	c, err := g.BuildCircuit(443, "G1", true, true, testRand(6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Middle != "M2" {
		t.Errorf("expected fast/stable-only selection to pick M2, got %s", c.Middle)
	}
}

func TestSelectWeightedSkipsNonRunning(t *testing.T) {
	consensus := &directory.Consensus{Relays: []*directory.Relay{
		testRelay("Down", "D1", 1000, directory.FlagGuard, directory.FlagValid), // missing Running
		testRelay("Guard1", "G1", 1000, directory.FlagGuard, directory.FlagRunning, directory.FlagValid),
	}}
	g := NewCircuitGenerator(consensus)
	r, err := g.SampleNewGuard(nil, testRand(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Fingerprint != "G1" {
		t.Errorf("expected non-running relay to be excluded, got %s", r.Fingerprint)
	}
}
