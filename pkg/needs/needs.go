// Package needs tracks predicted upcoming port requests ("port needs")
// collected from past client behavior, and provides reference-counted
// handles circuits use to register as covering a need. When a port has
// been requested recently, the client proactively builds circuits for it
// before the request actually happens, matching Tor's own predictive
// circuit building.
//
// Grounded on the original's needs.rs. Rust expresses "does this handle
// still point to a live need" with Arc<Need>/Weak<Need>; Go has neither
// Drop nor a weak-pointer primitive, so a handle instead carries a
// pointer to the shared Need plus a removed flag the container flips when
// it deletes that need, and callers must call Release explicitly when a
// circuit stops covering a need (there is no destructor to do it for
// them).
package needs

import (
	"fmt"
	"sort"
	"time"

	"github.com/opd-ai/torsim/pkg/rset"
)

// PortNeedCoverNum is the minimum number of circuits that should cover a
// port need, mirroring Tor's MIN_CIRCUITS_HANDLING_STREAM.
const PortNeedCoverNum = 2

// PortNeedLifetime is how long an uncovered need remains relevant,
// mirroring Tor's PREDICTED_CIRCS_RELEVANCE_TIME.
const PortNeedLifetime = 60 * time.Minute

// Need is a single port's predictive-cover bookkeeping: when it expires,
// whether circuits covering it must be fast/stable, and how many
// circuits currently cover it.
type Need struct {
	port     uint16
	expires  time.Time
	fast     bool
	stable   bool
	covered  int
	removed  bool
}

func newNeed(port uint16, now time.Time, fast, stable bool) *Need {
	return &Need{port: port, expires: now.Add(PortNeedLifetime), fast: fast, stable: stable}
}

func (n *Need) needsCover() bool { return n.covered < PortNeedCoverNum }

func (n *Need) hasExpired(now time.Time) bool { return !n.expires.After(now) }

func (n *Need) resetExpiration(now time.Time) { n.expires = now.Add(PortNeedLifetime) }

// String renders the need for logging/trace purposes.
func (n *Need) String() string {
	return fmt.Sprintf("Need{port: %d, fast: %v, stable: %v, covered: %d, expires: %s}",
		n.port, n.fast, n.stable, n.covered, n.expires.Format(time.RFC3339))
}

// NeedsContainer owns the set of currently tracked port needs, keyed by
// port. There is at most one Need per port. Backed by rset.Map so
// iteration order never depends on Go's randomized map layout.
type NeedsContainer struct {
	needs *rset.Map[uint16, *Need]
}

// NewNeedsContainer returns an empty container.
func NewNeedsContainer() *NeedsContainer {
	return &NeedsContainer{needs: rset.NewMap[uint16, *Need]()}
}

// AddNeed inserts a new need for port, or, if one already exists and has
// expired, only refreshes its expiration — the fast/stable flags of an
// existing need are never updated, matching TorPS's
// stream_update_port_needs behavior. Returns a string representation of
// the (possibly pre-existing) need.
func (c *NeedsContainer) AddNeed(port uint16, now time.Time, fast, stable bool) string {
	if n, ok := c.needs.Get(port); ok {
		if n.hasExpired(now) {
			n.resetExpiration(now)
		}
		return n.String()
	}
	n := newNeed(port, now, fast, stable)
	c.needs.Set(port, n)
	return n.String()
}

// CoverNeedIfNecessary returns a handle for port's need iff that need
// exists and still needs cover. Returns nil otherwise.
func (c *NeedsContainer) CoverNeedIfNecessary(port uint16) *NeedHandle {
	n, ok := c.needs.Get(port)
	if !ok || !n.needsCover() {
		return nil
	}
	return newHandle(n)
}

// GetUncoveredNeed returns a handle to some currently under-covered need,
// or nil if none exists. Ports are visited in ascending numeric order
// (not insertion order), so the choice is deterministic given the
// container's contents regardless of the order needs were added in.
func (c *NeedsContainer) GetUncoveredNeed() *NeedHandle {
	ports := c.needs.Keys()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	for _, p := range ports {
		n, _ := c.needs.Get(p)
		if n.needsCover() {
			return newHandle(n)
		}
	}
	return nil
}

// RemoveExpired deletes every need that has expired by now, calling
// handler with a string representation of each removed need (in
// ascending port order) before it is dropped. Any outstanding handle to a
// removed need becomes permanently stale: its Exists method will report
// false from this point on.
func (c *NeedsContainer) RemoveExpired(now time.Time, handler func(string)) {
	ports := c.needs.Keys()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	for _, port := range ports {
		n, _ := c.needs.Get(port)
		if n.hasExpired(now) {
			handler(n.String())
			n.removed = true
			c.needs.Delete(port)
		}
	}
}

// Len returns the number of tracked needs.
func (c *NeedsContainer) Len() int { return c.needs.Len() }

// NeedHandle is a reference-counted registration that a circuit covers a
// particular need. Creating a handle increments the need's cover count;
// Release decrements it. NeedHandle must never be copied or cloned — two
// live copies covering the same circuit would double-count coverage, the
// exact bug the original's type deliberately omits Clone to prevent. A
// handle must be released exactly once.
type NeedHandle struct {
	need     *Need
	released bool
}

func newHandle(n *Need) *NeedHandle {
	n.covered++
	return &NeedHandle{need: n}
}

// Exists reports whether the handle still points to a live (not yet
// removed) need.
func (h *NeedHandle) Exists() bool {
	return h.need != nil && !h.need.removed
}

// Release decrements the need's cover count, substituting for the
// original's Drop-triggered decrement. Safe to call multiple times; only
// the first call has an effect.
func (h *NeedHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	if h.need != nil && !h.need.removed {
		if h.need.covered <= 0 {
			panic("need cover count decremented below zero")
		}
		h.need.covered--
	}
}

// ResetExpiration resets the need's expiration to count from now, if the
// need still exists.
func (h *NeedHandle) ResetExpiration(now time.Time) {
	if h.Exists() {
		h.need.resetExpiration(now)
	}
}

// GetPort returns the needed port, if the need still exists.
func (h *NeedHandle) GetPort() (uint16, bool) {
	if !h.Exists() {
		return 0, false
	}
	return h.need.port, true
}

// GetFast returns the needed fast flag, if the need still exists.
func (h *NeedHandle) GetFast() (bool, bool) {
	if !h.Exists() {
		return false, false
	}
	return h.need.fast, true
}

// GetStable returns the needed stable flag, if the need still exists.
func (h *NeedHandle) GetStable() (bool, bool) {
	if !h.Exists() {
		return false, false
	}
	return h.need.stable, true
}

// CanBeCoveredByCircuit reports whether this still-live need can be
// covered by a circuit with the given fast/stable flags whose exit
// allows the need's port. Callers look up the exit's policy themselves
// (via the circuit generator's lookup_relay collaborator) to avoid this
// package importing the circuit/directory packages.
func (h *NeedHandle) CanBeCoveredByCircuit(circuitIsFast, circuitIsStable, exitAllowsPort bool) bool {
	if !h.Exists() {
		return false
	}
	if h.need.fast && !circuitIsFast {
		return false
	}
	if h.need.stable && !circuitIsStable {
		return false
	}
	return exitAllowsPort
}

// String renders the underlying need, or a placeholder if it no longer
// exists.
func (h *NeedHandle) String() string {
	if !h.Exists() {
		return "(need doesn't exist anymore)"
	}
	return h.need.String()
}
