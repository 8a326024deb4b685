// Package path implements Tor path selection: bandwidth-weighted sampling
// of guard/middle/exit relays from a consensus, and three-hop circuit
// construction. This is the "circuit generator" collaborator the guard
// manager and circuit manager are built against (lookup_relay,
// build_circuit, sample_new_guard, num_relays).
package path

import (
	"fmt"
	"math/rand/v2"

	"github.com/opd-ai/torsim/pkg/bwweights"
	"github.com/opd-ai/torsim/pkg/directory"
	"github.com/opd-ai/torsim/pkg/errors"
)

// Circuit is a fingerprint-only three-hop path: guard, middle, exit.
type Circuit struct {
	Guard  string
	Middle string
	Exit   string
}

// Generator is the interface the circuit and guard managers drive path
// selection through. A concrete Generator is constructed fresh for each
// simulated epoch from that epoch's consensus.
type Generator interface {
	// LookupRelay returns the relay for fingerprint, if it is listed in
	// this epoch's consensus.
	LookupRelay(fingerprint string) (*directory.Relay, bool)
	// NumRelays returns the count of relays usable in the guard, middle,
	// and exit position respectively.
	NumRelays() (guard, middle, exit int)
	// SampleNewGuard draws a single new guard-position relay, weighted by
	// the consensus's guard-position bandwidth weights, excluding any
	// fingerprint already in existing.
	SampleNewGuard(existing map[string]struct{}, rng *rand.Rand) (*directory.Relay, error)
	// BuildCircuit builds a three-hop circuit using guard as the fixed
	// entry hop, selecting a middle and an exit whose policy allows port;
	// if fast/stable is true, candidates are restricted to relays
	// carrying the corresponding consensus flag.
	BuildCircuit(port uint16, guard string, fast, stable bool, rng *rand.Rand) (Circuit, error)
}

// CircuitGenerator is the concrete Generator backing a single epoch,
// bandwidth-weighted against that epoch's consensus.
type CircuitGenerator struct {
	consensus *directory.Consensus
}

// NewCircuitGenerator constructs a generator bound to consensus. The
// consensus's Weights should already be populated (via
// bwweights.Recompute) before path selection is performed against it; a
// zero-value Weights falls back to flat bandwidth weighting.
func NewCircuitGenerator(consensus *directory.Consensus) *CircuitGenerator {
	return &CircuitGenerator{consensus: consensus}
}

// LookupRelay implements Generator.
func (g *CircuitGenerator) LookupRelay(fingerprint string) (*directory.Relay, bool) {
	r := g.consensus.RelayByFingerprint(fingerprint)
	return r, r != nil
}

// NumRelays implements Generator.
func (g *CircuitGenerator) NumRelays() (guard, middle, exit int) {
	return g.consensus.NumRelays()
}

func weightFraction(weights directory.Weights, key string) float64 {
	if weights == nil {
		return float64(bwweights.Weightscale)
	}
	w, ok := weights[key]
	if !ok {
		return float64(bwweights.Weightscale)
	}
	return float64(w)
}

// guardPositionWeight is r's weighted eligibility for the guard position:
// zero unless r carries the Guard flag.
func guardPositionWeight(r *directory.Relay, weights directory.Weights) float64 {
	if !r.IsGuard() {
		return 0
	}
	key := "Wgg"
	if r.IsExit() {
		key = "Wgd"
	}
	return float64(r.BandwidthWeight) * weightFraction(weights, key)
}

// middlePositionWeight is r's weighted eligibility for the middle
// position: every running/valid relay is eligible, weighted by its
// guard/exit role.
func middlePositionWeight(r *directory.Relay, weights directory.Weights) float64 {
	var key string
	switch {
	case r.IsGuard() && r.IsExit():
		key = "Wmd"
	case r.IsGuard():
		key = "Wmg"
	case r.IsExit():
		key = "Wme"
	default:
		key = "Wmm"
	}
	return float64(r.BandwidthWeight) * weightFraction(weights, key)
}

// exitPositionWeight is r's weighted eligibility for the exit position:
// zero unless r carries the Exit flag and its policy allows port.
func exitPositionWeight(r *directory.Relay, weights directory.Weights, port uint16) float64 {
	if !r.IsExit() || !r.ExitPolicy.AllowsPort(port) {
		return 0
	}
	key := "Wee"
	if r.IsGuard() {
		key = "Wed"
	}
	return float64(r.BandwidthWeight) * weightFraction(weights, key)
}

// selectWeighted picks a single relay from relays, weighted by weight,
// skipping non-running/non-valid relays, zero-weight relays, and anything
// in exclude.
func selectWeighted(rng *rand.Rand, relays []*directory.Relay, weight func(*directory.Relay) float64, exclude map[string]struct{}) (*directory.Relay, error) {
	var candidates []*directory.Relay
	var weights []float64
	total := 0.0
	for _, r := range relays {
		if !r.IsRunning() || !r.IsValid() {
			continue
		}
		if exclude != nil {
			if _, skip := exclude[r.Fingerprint]; skip {
				continue
			}
		}
		w := weight(r)
		if w <= 0 {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, w)
		total += w
	}
	if len(candidates) == 0 {
		return nil, errors.CircuitGenError("no eligible relay for requested position", nil)
	}

	pick := rng.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if pick < cum {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// SampleNewGuard implements Generator.
func (g *CircuitGenerator) SampleNewGuard(existing map[string]struct{}, rng *rand.Rand) (*directory.Relay, error) {
	r, err := selectWeighted(rng, g.consensus.Relays, func(r *directory.Relay) float64 {
		return guardPositionWeight(r, g.consensus.Weights)
	}, existing)
	if err != nil {
		return nil, errors.CircuitGenError("sampling new guard", err)
	}
	return r, nil
}

// BuildCircuit implements Generator.
func (g *CircuitGenerator) BuildCircuit(port uint16, guard string, fast, stable bool, rng *rand.Rand) (Circuit, error) {
	guardRelay, ok := g.LookupRelay(guard)
	if !ok {
		return Circuit{}, errors.CircuitGenError(fmt.Sprintf("guard %s not present in consensus", guard), nil)
	}
	if fast && !guardRelay.IsFast() {
		return Circuit{}, errors.CircuitGenError(fmt.Sprintf("guard %s does not satisfy fast requirement", guard), nil)
	}
	if stable && !guardRelay.IsStable() {
		return Circuit{}, errors.CircuitGenError(fmt.Sprintf("guard %s does not satisfy stable requirement", guard), nil)
	}

	used := map[string]struct{}{guard: {}}

	restrict := func(r *directory.Relay) bool {
		if fast && !r.IsFast() {
			return false
		}
		if stable && !r.IsStable() {
			return false
		}
		return true
	}

	exitRelay, err := selectWeighted(rng, g.consensus.Relays, func(r *directory.Relay) float64 {
		if !restrict(r) {
			return 0
		}
		return exitPositionWeight(r, g.consensus.Weights, port)
	}, used)
	if err != nil {
		return Circuit{}, errors.CircuitGenError(fmt.Sprintf("selecting exit for port %d", port), err)
	}
	used[exitRelay.Fingerprint] = struct{}{}

	middleRelay, err := selectWeighted(rng, g.consensus.Relays, func(r *directory.Relay) float64 {
		if !restrict(r) {
			return 0
		}
		return middlePositionWeight(r, g.consensus.Weights)
	}, used)
	if err != nil {
		return Circuit{}, errors.CircuitGenError("selecting middle relay", err)
	}

	return Circuit{Guard: guard, Middle: middleRelay.Fingerprint, Exit: exitRelay.Fingerprint}, nil
}
