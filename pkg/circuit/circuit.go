// Package circuit implements the per-client circuit manager: the pool of
// three-hop ShallowCircuits a simulated client maintains, the timed
// maintenance that keeps it healthy, and request dispatch across
// dirty/clean/new circuits.
//
// Grounded on the original's client.rs (the epoch-driven request-dispatch
// loop) and needs.rs (need-handle interplay); the mutex-guarded-struct,
// logger.Component("circuit"), and fmt.Errorf("...: %w") wrapping idiom is
// kept from the teacher's pkg/circuit/circuit.go and builder.go. The
// teacher's cell-level crypto state (ForwardCipher/BackwardCipher, running
// digests, SENDME windows) is not ported: spec.md's Non-goals exclude
// "cryptographic operations" and "network-stack simulation" outright, and
// ShallowCircuit is defined as a fingerprint-only record — there is no
// per-cell state for this package to carry.
package circuit

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/opd-ai/torsim/pkg/errors"
	"github.com/opd-ai/torsim/pkg/guard"
	"github.com/opd-ai/torsim/pkg/logger"
	"github.com/opd-ai/torsim/pkg/needs"
	"github.com/opd-ai/torsim/pkg/path"
	"github.com/opd-ai/torsim/pkg/usermodel"
)

// LongLivedPorts is the set of ports whose streams require a stable
// circuit.
var LongLivedPorts = map[uint16]struct{}{
	21: {}, 22: {}, 706: {}, 1863: {}, 5050: {}, 5190: {},
	5222: {}, 5223: {}, 6523: {}, 6667: {}, 6697: {}, 8300: {},
}

func isLongLived(port uint16) bool {
	_, ok := LongLivedPorts[port]
	return ok
}

const (
	dirtyLifetime = 10 * time.Minute
	cleanLifetime = 60 * time.Minute
)

// ShallowCircuit is a fingerprint-only record of a three-hop circuit.
type ShallowCircuit struct {
	Guard, Middle, Exit string
	CreatedAt           time.Time
	DirtyTime           *time.Time
	IsInternal          bool // always false in the present design; see DESIGN.md
	IsStable            bool
	IsFast              bool
	CoveredNeeds        []*needs.NeedHandle
}

func (c *ShallowCircuit) isDirty() bool { return c.DirtyTime != nil }

func (c *ShallowCircuit) coversPort(port uint16) bool {
	for _, h := range c.CoveredNeeds {
		if p, ok := h.GetPort(); ok && p == port {
			return true
		}
	}
	return false
}

// Observer receives circuit-usage events for trace emission. Implemented
// by pkg/observer; defined here to avoid pkg/circuit importing it.
type Observer interface {
	CircuitUsed(req usermodel.Request, exitFingerprint string)
}

// Manager is a single client's circuit manager.
type Manager struct {
	logger *logger.Logger
	mu     sync.Mutex

	clientID      string
	circuits      []*ShallowCircuit
	needs         *needs.NeedsContainer
	guards        *guard.Manager
	lastTriggered *time.Time
}

// NewManager returns an empty circuit manager for clientID.
func NewManager(clientID string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		logger:   log.Component("circuit"),
		clientID: clientID,
		needs:    needs.NewNeedsContainer(),
		guards:   guard.NewManager(log),
	}
}

// HandleNewEpoch performs timed maintenance at tStart, then dispatches
// every request nextRequest returns whose time lies in [tStart, tEnd),
// running timed maintenance again just before each dispatch. nextRequest
// must return requests in non-decreasing time order and (nil, nil) once
// exhausted for this epoch/run.
func (m *Manager) HandleNewEpoch(tStart, tEnd time.Time, gen path.Generator, rng *rand.Rand, obs Observer, nextRequest func() (*usermodel.Request, error)) error {
	if err := m.timedMaintenance(tStart, gen, rng); err != nil {
		return err
	}

	for {
		req, err := nextRequest()
		if err != nil {
			return errors.InternalError("reading next user-model request", err)
		}
		if req == nil || !req.Time.Before(tEnd) {
			return nil
		}

		if err := m.timedMaintenance(req.Time, gen, rng); err != nil {
			return err
		}
		if err := m.handleRequest(*req, gen, rng, obs); err != nil {
			return err
		}
	}
}

// timedMaintenance implements spec §4.2's seven-step timed maintenance.
func (m *Manager) timedMaintenance(now time.Time, gen path.Generator, rng *rand.Rand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastTriggered == nil {
		m.needs.AddNeed(80, now, true, false)
		t := now
		m.lastTriggered = &t
	}

	m.needs.RemoveExpired(now, func(s string) {
		m.logger.Debug("port need expired", "client", m.clientID, "need", s)
	})

	kept := m.circuits[:0]
	for _, c := range m.circuits {
		if c.isDirty() && c.DirtyTime.Add(dirtyLifetime).Before(now) {
			m.logger.Debug("removing stale dirty circuit", "client", m.clientID, "exit", c.Exit)
			continue
		}
		if !c.isDirty() && c.CreatedAt.Add(cleanLifetime).Before(now) {
			m.logger.Debug("removing stale clean circuit", "client", m.clientID, "exit", c.Exit)
			continue
		}
		if !m.hopsHealthy(c, gen) {
			m.logger.Debug("removing circuit with unhealthy hop", "client", m.clientID, "exit", c.Exit)
			continue
		}
		kept = append(kept, c)
	}
	m.circuits = kept

	m.guards.TimedUpdates(now, gen, rng)

	for {
		h := m.needs.GetUncoveredNeed()
		if h == nil {
			break
		}
		port, ok := h.GetPort()
		if !ok {
			break
		}
		fast, _ := h.GetFast()
		stable, _ := h.GetStable()

		guardFp, ok := m.guards.GetGuardForCircuit(now, gen, rng)
		if !ok {
			return errors.CircuitGenError("no usable guard available for predictive circuit", nil)
		}
		built, err := gen.BuildCircuit(port, guardFp, fast, stable, rng)
		if err != nil {
			return errors.CircuitGenError("building predictive circuit", err)
		}
		m.circuits = append(m.circuits, &ShallowCircuit{
			Guard: built.Guard, Middle: built.Middle, Exit: built.Exit,
			CreatedAt:    now,
			IsStable:     stable,
			IsFast:       fast,
			CoveredNeeds: []*needs.NeedHandle{h},
		})
	}

	return nil
}

// hopsHealthy reports whether every hop of c is still listed with
// Running+Valid in this epoch's consensus.
func (m *Manager) hopsHealthy(c *ShallowCircuit, gen path.Generator) bool {
	for _, fp := range []string{c.Guard, c.Middle, c.Exit} {
		r, ok := gen.LookupRelay(fp)
		if !ok || !r.IsRunning() || !r.IsValid() {
			return false
		}
	}
	return true
}

// supportsStream implements spec §4.2's supports_stream predicate.
func (m *Manager) supportsStream(c *ShallowCircuit, port uint16, gen path.Generator) bool {
	if c.IsInternal {
		return false
	}
	if !c.IsStable && isLongLived(port) {
		return false
	}
	exit, ok := gen.LookupRelay(c.Exit)
	if !ok {
		return false
	}
	return exit.ExitPolicy.AllowsPort(port)
}

// handleRequest implements spec §4.2's handle_request.
func (m *Manager) handleRequest(req usermodel.Request, gen path.Generator, rng *rand.Rand, obs Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chosen *ShallowCircuit

	for _, c := range m.circuits {
		if c.isDirty() && req.Time.Before(c.DirtyTime.Add(dirtyLifetime)) && m.supportsStream(c, req.Port, gen) {
			chosen = c
			break
		}
	}

	if chosen == nil {
		for _, c := range m.circuits {
			if !c.isDirty() && m.supportsStream(c, req.Port, gen) {
				t := req.Time
				c.DirtyTime = &t
				for _, h := range c.CoveredNeeds {
					h.Release()
				}
				c.CoveredNeeds = nil
				chosen = c
				break
			}
		}
	}

	if chosen == nil {
		needStable := isLongLived(req.Port)
		guardFp, ok := m.guards.GetGuardForCircuit(req.Time, gen, rng)
		if !ok {
			return errors.CircuitGenError("no usable guard available for new circuit", nil)
		}
		built, err := gen.BuildCircuit(req.Port, guardFp, true, needStable, rng)
		if err != nil {
			return errors.CircuitGenError("building circuit for request", err)
		}
		t := req.Time
		chosen = &ShallowCircuit{
			Guard: built.Guard, Middle: built.Middle, Exit: built.Exit,
			CreatedAt: req.Time,
			DirtyTime: &t,
			IsFast:    true,
			IsStable:  needStable,
		}
		m.circuits = append(m.circuits, chosen)
	}

	m.guards.MarkAsConfirmed(chosen.Guard, req.Time, rng)
	if obs != nil {
		obs.CircuitUsed(req, chosen.Exit)
	}

	m.needs.AddNeed(req.Port, req.Time, true, isLongLived(req.Port))
	if h := m.needs.CoverNeedIfNecessary(req.Port); h != nil {
		attached := false
		for _, c := range m.circuits {
			if c.isDirty() || c.coversPort(req.Port) {
				continue
			}
			if !h.CanBeCoveredByCircuit(c.IsFast, c.IsStable, m.supportsStream(c, req.Port, gen)) {
				continue
			}
			c.CoveredNeeds = append(c.CoveredNeeds, h)
			attached = true
			break
		}
		if !attached {
			h.Release()
		}
	}

	return nil
}

// Circuits returns a snapshot of the manager's current circuit pool, for
// logging/testing.
func (m *Manager) Circuits() []*ShallowCircuit {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ShallowCircuit, len(m.circuits))
	copy(out, m.circuits)
	return out
}
