// Package guard implements Tor's guard-selection state machine: the
// sampled/confirmed/primary guard lists a client maintains across epochs,
// and the logic that promotes, demotes, and selects among them for new
// circuits.
//
// Grounded on the original's guard.rs (GuardHandling, SampledGuard,
// ConfirmedGuard). The teacher's pkg/path/guards.go supplied the
// concurrency/logging shape this package is built in (sync.RWMutex-guarded
// struct, logger.Component("guard")) — this simulator has no cross-process
// guard persistence to adapt from that file, since a client's guard state
// lives only for the simulated run, so the JSON-file load/save machinery
// is not carried over; see DESIGN.md.
package guard

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/torsim/pkg/logger"
	"github.com/opd-ai/torsim/pkg/path"
	"github.com/opd-ai/torsim/pkg/rset"
)

const (
	// GuardLifetime is how long a sampled guard remains eligible before
	// being dropped from the sample regardless of listed status.
	GuardLifetime = 120 * 24 * time.Hour
	// RemoveUnlistedGuardsAfter is how long an unlisted guard is kept in
	// the sample before being removed, giving transient consensus churn a
	// chance to relist it.
	RemoveUnlistedGuardsAfter = 20 * 24 * time.Hour
	// GuardConfirmedMinLifetime is the minimum time a confirmed guard must
	// have been confirmed before it can be removed from the confirmed list
	// for reasons other than unlisting.
	GuardConfirmedMinLifetime = 60 * 24 * time.Hour
	// MinFilteredSample is the minimum number of filtered-eligible sampled
	// guards the client tries to maintain.
	MinFilteredSample = 20
	// MaxSampleSize is the hard ceiling on the sampled guard set size.
	MaxSampleSize = 60
	// MaxSampleThreshold caps the sampled guard set at this fraction of the
	// guards present in the consensus.
	MaxSampleThreshold = 0.2
	// NPrimaryGuards is the number of guards kept in the primary list.
	NPrimaryGuards = 3
	// NUsablePrimaryGuards is the number of primary guards considered
	// "usable" once sampled: get_guard_for_circuit draws from among the
	// first NUsablePrimaryGuards primary guards once that many exist.
	NUsablePrimaryGuards = 1
)

// SampledGuard is a guard drawn into the client's guard sample: never
// removed except by unlisting or lifetime expiry.
type SampledGuard struct {
	Fingerprint     string
	AddedOn         time.Time
	Listed          bool
	FirstUnlistedAt time.Time // zero value means currently listed
}

func (g *SampledGuard) isListed() bool { return g.FirstUnlistedAt.IsZero() }

// ConfirmedGuard is a sampled guard the client has successfully used at
// least once, promoted into the confirmed list in the order it was first
// confirmed.
type ConfirmedGuard struct {
	Fingerprint string
	ConfirmedOn time.Time
}

// randomPast returns a time uniformly distributed in [now-spread, now],
// avoiding synchronized guard-state artifacts (bootstrap, unlisting,
// confirmation) across simulated clients that would otherwise all stamp
// exactly "now".
func randomPast(rng *rand.Rand, now time.Time, spread time.Duration) time.Time {
	if spread <= 0 {
		return now
	}
	offset := time.Duration(rng.Int64N(int64(spread) + 1))
	return now.Add(-offset)
}

// Manager is a single client's guard-selection state machine: the sampled
// set, the confirmed subset (in confirmation order), and the primary
// guards recomputed from it each epoch. The sampled set is backed by
// rset.Map so its iteration order never depends on Go's randomized map
// layout.
type Manager struct {
	logger *logger.Logger
	mu     sync.RWMutex

	sampled   *rset.Map[string, *SampledGuard]
	confirmed []*ConfirmedGuard // ordered by ConfirmedOn ascending (confirmation order)
	primary   []string          // fingerprints, ordered
}

// NewManager returns an empty guard manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		logger:  log.Component("guard"),
		sampled: rset.NewMap[string, *SampledGuard](),
	}
}

// maxSampled returns the sample-size ceiling for a consensus with
// guardsInConsensus guards in the guard position.
func maxSampled(guardsInConsensus int) int {
	threshold := int(MaxSampleThreshold * float64(guardsInConsensus))
	if threshold < MaxSampleSize {
		return threshold
	}
	return MaxSampleSize
}

// usableGuardFingerprints repeatedly samples new guards (weighted by the
// consensus's guard-position weights, excluding already-sampled
// fingerprints) until at least MinFilteredSample are listed or the sample
// has reached its consensus-relative cap, then returns the listed
// fingerprints.
func (m *Manager) usableGuardFingerprints(now time.Time, gen path.Generator, rng *rand.Rand) []string {
	guardsInConsensus, _, _ := gen.NumRelays()
	sampleCap := maxSampled(guardsInConsensus)

	listedCount := func() int {
		n := 0
		m.sampled.Each(func(_ string, g *SampledGuard) bool {
			if g.isListed() {
				n++
			}
			return true
		})
		return n
	}

	for listedCount() < MinFilteredSample && m.sampled.Len() < sampleCap {
		existing := make(map[string]struct{}, m.sampled.Len())
		for _, fp := range m.sampled.Keys() {
			existing[fp] = struct{}{}
		}
		r, err := gen.SampleNewGuard(existing, rng)
		if err != nil {
			m.logger.Warn("unable to sample additional guard", "error", err)
			break
		}
		m.sampled.Set(r.Fingerprint, &SampledGuard{
			Fingerprint: r.Fingerprint,
			AddedOn:     randomPast(rng, now, GuardLifetime/10),
			Listed:      true,
		})
	}

	out := make([]string, 0, m.sampled.Len())
	m.sampled.Each(func(fp string, g *SampledGuard) bool {
		if g.isListed() {
			out = append(out, fp)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// TimedUpdates performs one epoch's worth of guard-state maintenance: it
// refreshes each sampled guard's listed status against gen, removes guards
// that have been unlisted too long, exceeded their lifetime, or are
// confirmed-but-stale, tops up the sample if under-filled, and recomputes
// the primary guard list.
func (m *Manager) TimedUpdates(now time.Time, gen path.Generator, rng *rand.Rand) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fp := range m.sampled.Keys() {
		g, _ := m.sampled.Get(fp)
		_, listed := gen.LookupRelay(g.Fingerprint)
		if listed {
			g.FirstUnlistedAt = time.Time{}
		} else if g.isListed() {
			g.FirstUnlistedAt = randomPast(rng, now, RemoveUnlistedGuardsAfter/5)
		}
	}

	confirmedOn := make(map[string]time.Time, len(m.confirmed))
	for _, c := range m.confirmed {
		confirmedOn[c.Fingerprint] = c.ConfirmedOn
	}

	for _, fp := range m.sampled.Keys() {
		g, ok := m.sampled.Get(fp)
		if !ok {
			continue
		}
		if !g.isListed() && now.Sub(g.FirstUnlistedAt) >= RemoveUnlistedGuardsAfter {
			m.logger.Info("removing long-unlisted guard", "fingerprint", fp)
			m.removeLocked(fp)
			continue
		}
		if now.Sub(g.AddedOn) >= GuardLifetime {
			confirmedAt, confirmed := confirmedOn[fp]
			if !confirmed || now.Sub(confirmedAt) >= GuardConfirmedMinLifetime {
				m.logger.Info("removing guard past lifetime", "fingerprint", fp)
				m.removeLocked(fp)
			}
		}
	}

	m.usableGuardFingerprints(now, gen, rng)
	m.recomputePrimaryLocked()
}

func (m *Manager) removeLocked(fp string) {
	m.sampled.Delete(fp)
	kept := m.confirmed[:0]
	for _, c := range m.confirmed {
		if c.Fingerprint != fp {
			kept = append(kept, c)
		}
	}
	m.confirmed = kept
}

// recomputePrimaryLocked walks the confirmed guards in confirmation order
// and takes the first NPrimaryGuards that are still listed. Deliberately
// no fallback top-up from the unconfirmed sample when fewer than
// NPrimaryGuards confirmed guards qualify — matching the original, whose
// fallback path is commented out.
func (m *Manager) recomputePrimaryLocked() {
	primary := make([]string, 0, NPrimaryGuards)
	for _, c := range m.confirmed {
		if len(primary) >= NPrimaryGuards {
			break
		}
		g, ok := m.sampled.Get(c.Fingerprint)
		if !ok || !g.isListed() {
			continue
		}
		primary = append(primary, c.Fingerprint)
	}
	m.primary = primary
}

// MarkAsConfirmed promotes a sampled guard into the confirmed list, if it
// is not already confirmed, and recomputes the primary guard list.
func (m *Manager) MarkAsConfirmed(fingerprint string, now time.Time, rng *rand.Rand) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.confirmed {
		if c.Fingerprint == fingerprint {
			return
		}
	}
	if _, ok := m.sampled.Get(fingerprint); !ok {
		return
	}
	m.confirmed = append(m.confirmed, &ConfirmedGuard{
		Fingerprint: fingerprint,
		ConfirmedOn: randomPast(rng, now, GuardLifetime/10),
	})
	m.logger.Info("confirmed guard", "fingerprint", fingerprint)
	m.recomputePrimaryLocked()
}

// GetGuardForCircuit returns the guard fingerprint a new circuit should
// use. If at least NUsablePrimaryGuards primary guards exist, it uniformly
// samples one of the first NUsablePrimaryGuards; otherwise it falls back
// to usableGuardFingerprints (growing the sample if necessary) and returns
// its first element.
func (m *Manager) GetGuardForCircuit(now time.Time, gen path.Generator, rng *rand.Rand) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.primary) >= NUsablePrimaryGuards {
		idx := rng.IntN(NUsablePrimaryGuards)
		return m.primary[idx], true
	}

	usable := m.usableGuardFingerprints(now, gen, rng)
	if len(usable) == 0 {
		return "", false
	}
	return usable[0], true
}

// PrimaryGuards returns a snapshot of the current primary guard list.
func (m *Manager) PrimaryGuards() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.primary))
	copy(out, m.primary)
	return out
}

// SampledFingerprints returns a deterministically ordered snapshot of the
// sampled guard set's fingerprints, for logging/testing.
func (m *Manager) SampledFingerprints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.sampled.Keys()
	sort.Strings(out)
	return out
}
