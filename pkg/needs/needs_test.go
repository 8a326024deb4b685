package needs

import (
	"testing"
	"time"
)

func TestAddNeedCreatesNewNeed(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, true, true)
	if c.Len() != 1 {
		t.Fatalf("expected 1 need, got %d", c.Len())
	}
}

func TestAddNeedDoesNotUpdateFlagsOnExistingNeed(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, true, true)
	c.AddNeed(443, now, false, false) // should be a no-op on flags
	h := c.CoverNeedIfNecessary(443)
	if h == nil {
		t.Fatal("expected a handle")
	}
	fast, ok := h.GetFast()
	if !ok || !fast {
		t.Error("expected fast flag to remain true, idempotent add_need")
	}
}

func TestAddNeedAfterExpiryCreatesNewNeed(t *testing.T) {
	c := NewNeedsContainer()
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, t0, true, true)

	farFuture := t0.Add(2 * PortNeedLifetime)
	c.RemoveExpired(farFuture, func(string) {})
	if c.Len() != 0 {
		t.Fatal("expected need to have been removed as expired")
	}

	// Re-adding after removal creates a brand new need (the old one is gone).
	c.AddNeed(443, farFuture, true, true)
	if c.Len() != 1 {
		t.Fatal("expected new need after removal")
	}
}

func TestCoverNeedIfNecessaryNilWhenAbsent(t *testing.T) {
	c := NewNeedsContainer()
	if c.CoverNeedIfNecessary(443) != nil {
		t.Error("expected nil handle for nonexistent need")
	}
}

func TestCoverNeedIfNecessaryRespectsCoverCount(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, false, false)

	h1 := c.CoverNeedIfNecessary(443)
	h2 := c.CoverNeedIfNecessary(443)
	if h1 == nil || h2 == nil {
		t.Fatal("expected both handles while below PortNeedCoverNum")
	}
	if c.CoverNeedIfNecessary(443) != nil {
		t.Error("expected nil once cover count reaches PortNeedCoverNum")
	}

	h1.Release()
	h3 := c.CoverNeedIfNecessary(443)
	if h3 == nil {
		t.Error("expected a handle to become available again after Release")
	}
}

func TestGetUncoveredNeedDeterministicOrder(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(9001, now, false, false)
	c.AddNeed(80, now, false, false)
	c.AddNeed(443, now, false, false)

	h := c.GetUncoveredNeed()
	if h == nil {
		t.Fatal("expected an uncovered need")
	}
	port, _ := h.GetPort()
	if port != 80 {
		t.Errorf("expected lowest port 80 first, got %d", port)
	}
}

func TestGetUncoveredNeedNilWhenAllCovered(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, false, false)
	c.CoverNeedIfNecessary(443)
	c.CoverNeedIfNecessary(443)
	if c.GetUncoveredNeed() != nil {
		t.Error("expected nil once need is fully covered")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, false, false)
	h := c.CoverNeedIfNecessary(443)
	h.Release()
	h.Release() // must not panic or double-decrement
}

func TestHandleBecomesStaleAfterRemoval(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, false, false)
	h := c.CoverNeedIfNecessary(443)

	farFuture := now.Add(2 * PortNeedLifetime)
	c.RemoveExpired(farFuture, func(string) {})

	if h.Exists() {
		t.Error("expected handle to report stale after its need was removed")
	}
	if _, ok := h.GetPort(); ok {
		t.Error("expected GetPort to fail once need removed")
	}
	h.Release() // must be a no-op, not a crash
}

func TestCanBeCoveredByCircuit(t *testing.T) {
	c := NewNeedsContainer()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c.AddNeed(443, now, true, true)
	h := c.CoverNeedIfNecessary(443)

	if h.CanBeCoveredByCircuit(false, true, true) {
		t.Error("expected false: need requires fast, circuit isn't")
	}
	if h.CanBeCoveredByCircuit(true, false, true) {
		t.Error("expected false: need requires stable, circuit isn't")
	}
	if h.CanBeCoveredByCircuit(true, true, false) {
		t.Error("expected false: exit doesn't allow the port")
	}
	if !h.CanBeCoveredByCircuit(true, true, true) {
		t.Error("expected true: all requirements satisfied")
	}
}
