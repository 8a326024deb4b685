// Package bwweights recomputes Tor's consensus bandwidth-weight constants.
//
// Recomputation is required whenever relays are added to or removed from a
// consensus outside the normal authority-voting process — in this
// simulator, that happens whenever adversarial relays are injected — so
// that weighted path selection continues to reflect the (possibly
// adversary-skewed) bandwidth distribution. The algorithm is the
// three-case closed-form assignment from Tor's directory specification,
// transcribed from the original implementation's bwweights module
// (adversaries.rs).
package bwweights

import (
	"fmt"

	"github.com/opd-ai/torsim/pkg/directory"
)

// Weightscale is the constant denominator bandwidth-weight fractions are
// scaled against.
const Weightscale int64 = 10000

// Totals holds the four bandwidth totals the recomputation is driven by.
// Each starts at 1 (per spec §4.5) and is incremented by every Running
// relay's bandwidth weight, sorted into guard-only (G), middle-only (M),
// exit-only (E), or guard-and-exit (D).
type Totals struct {
	G, M, E, D int64
}

// T returns the sum of all four totals.
func (t Totals) T() int64 { return t.G + t.M + t.E + t.D }

// ComputeTotals sums a consensus's Running relays into guard/middle/exit/
// both-guard-and-exit totals, each initialized to 1. BadExit relays never
// count toward the exit total (Relay.IsExit already excludes them).
func ComputeTotals(relays []*directory.Relay) Totals {
	totals := Totals{G: 1, M: 1, E: 1, D: 1}
	for _, r := range relays {
		if !r.IsRunning() {
			continue
		}
		bw := int64(r.BandwidthWeight)
		switch {
		case r.IsExit() && r.IsGuard():
			totals.D += bw
		case r.IsExit():
			totals.E += bw
		case r.IsGuard():
			totals.G += bw
		default:
			totals.M += bw
		}
	}
	return totals
}

// BwwErrorKind names which invariant check_weights_errors found violated.
type BwwErrorKind string

const (
	ErrSumD       BwwErrorKind = "sum_d"
	ErrSumG       BwwErrorKind = "sum_g"
	ErrSumE       BwwErrorKind = "sum_e"
	ErrRange      BwwErrorKind = "range"
	ErrBalanceEg  BwwErrorKind = "balance_eg"
	ErrBalanceMid BwwErrorKind = "balance_mid"
)

// BwwError reports which invariant failed, distinguishing the six
// violation kinds the original's typed BwwError enum names, so callers can
// assert on exactly which check failed rather than just that one did.
type BwwError struct {
	Kind BwwErrorKind
}

func (e *BwwError) Error() string {
	return fmt.Sprintf("bandwidth weight invariant violated: %s", e.Kind)
}

func checkEq(a, b, margin int64) bool {
	if a-b >= 0 {
		return a-b <= margin
	}
	return b-a <= margin
}

func checkRange(mx int64, vs ...int64) bool {
	for _, v := range vs {
		if v < 0 || v > mx {
			return false
		}
	}
	return true
}

// checkWeightsErrors verifies the sum/range/balance invariants from
// dir-spec.txt, returning the first one found violated, or nil. The sum
// checks run first, then the range check, then the two balance checks;
// the balance checks are evaluated on every call.
func checkWeightsErrors(w weights, totals Totals, margin int64) *BwwError {
	if !checkEq(w.Wed+w.Wmd+w.Wgd, Weightscale, margin) {
		return &BwwError{Kind: ErrSumD}
	}
	if !checkEq(w.Wmg+w.Wgg, Weightscale, margin) {
		return &BwwError{Kind: ErrSumG}
	}
	if !checkEq(w.Wme+w.Wee, Weightscale, margin) {
		return &BwwError{Kind: ErrSumE}
	}
	if !checkRange(Weightscale, w.Wgg, w.Wgd, w.Wmg, w.Wme, w.Wmd, w.Wed, w.Wee) {
		return &BwwError{Kind: ErrRange}
	}

	T := totals.T()
	balanceMargin := (margin * T) / 3
	if !checkEq(w.Wgg*totals.G+w.Wgd*totals.D, w.Wee*totals.E+w.Wed*totals.D, balanceMargin) {
		return &BwwError{Kind: ErrBalanceEg}
	}
	if !checkEq(w.Wgg*totals.G+w.Wgd*totals.D,
		totals.M*Weightscale+w.Wmd*totals.D+w.Wme*totals.E+w.Wmg*totals.G, balanceMargin) {
		return &BwwError{Kind: ErrBalanceMid}
	}
	return nil
}

// weights is the internal seven-value working set the case analysis
// computes before being expanded into the full 19-key map.
type weights struct {
	Wgg, Wgd, Wmg, Wme, Wmd, Wee, Wed int64
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// compute runs the three-case closed-form bandwidth-weight algorithm.
func compute(totals Totals) (weights, error) {
	G, M, E, D := totals.G, totals.M, totals.E, totals.D
	T := totals.T()
	W := Weightscale

	var w weights

	switch {
	case 3*E >= T && 3*G >= T:
		// Case 1: neither guard nor exit capacity is scarce.
		w.Wmd = W / 3
		w.Wed = W / 3
		w.Wgd = W / 3
		w.Wee = (W * (E + G + M)) / (3 * E)
		w.Wme = W - w.Wee
		w.Wmg = (W * (2*G - E - M)) / (3 * G)
		w.Wgg = W - w.Wmg

	case 3*E < T && 3*G < T:
		// Case 2: both guard and exit capacity are scarce.
		R := min(E, G)
		S := max(E, G)
		if R+D < S {
			// Subcase 2a: pin the scarcer side to 100% of D.
			w.Wgg = W
			w.Wee = W
			w.Wmd = 0
			w.Wme = 0
			w.Wmg = 0
			if E < G {
				w.Wed = W
				w.Wgd = 0
			} else {
				w.Wed = 0
				w.Wgd = W
			}
		} else {
			// Subcase 2b1.
			w.Wee = (W * (E - G + M)) / E
			w.Wed = (W * (D - 2*E + 4*G - 2*M)) / (3 * D)
			w.Wme = (W * (G - M)) / E
			w.Wmg = 0
			w.Wgg = W
			w.Wgd = (W - w.Wed) / 2
			w.Wmd = (W - w.Wed) / 2

			if checkWeightsErrors(w, totals, 10) != nil {
				// Subcase 2b2.
				w.Wee = W
				w.Wgg = W
				w.Wed = (W * (D - 2*E + G + M)) / (3 * D)
				w.Wmd = (W * (D - 2*M + G + E)) / (3 * D)
				w.Wmg = 0
				w.Wme = 0
				if w.Wmd < 0 {
					// Subcase 2b3: too much bandwidth at the middle position.
					w.Wmd = 0
				}
				w.Wgd = W - w.Wed - w.Wmd
			}

			if bwErr := checkWeightsErrors(w, totals, 10); bwErr != nil && bwErr.Kind != ErrBalanceMid {
				return weights{}, bwErr
			}
		}

	default:
		// Case 3: exactly one of guard/exit capacity is scarce.
		S := min(E, G)
		if 3*(S+D) < T {
			// Subcase 3a.
			if G < E {
				w.Wgd = W
				w.Wgg = W
				w.Wmg = 0
				w.Wed = 0
				w.Wmd = 0
				if E < M {
					w.Wme = 0
				} else {
					w.Wme = (W * (E - M)) / (2 * E)
				}
				w.Wee = W - w.Wme
			} else {
				w.Wed = W
				w.Wee = W
				w.Wme = 0
				w.Wgd = 0
				w.Wmd = 0
				if G < M {
					w.Wmg = 0
				} else {
					w.Wmg = (W * (G - M)) / (2 * G)
				}
				w.Wgg = W - w.Wmg
			}
		} else {
			// Subcase 3b.
			if G < E {
				w.Wgg = W
				w.Wgd = (W * (D - 2*G + E + M)) / (3 * D)
				w.Wmg = 0
				w.Wee = (W * (E + M)) / (2 * E)
				w.Wme = W - w.Wee
				w.Wed = (W - w.Wgd) / 2
				w.Wmd = (W - w.Wgd) / 2
			} else {
				w.Wee = W
				w.Wed = (W * (D - 2*E + G + M)) / (3 * D)
				w.Wme = 0
				w.Wgg = (W * (G + M)) / (2 * G)
				w.Wmg = W - w.Wgg
				w.Wgd = (W - w.Wed) / 2
				w.Wmd = (W - w.Wed) / 2
			}
		}
	}

	return w, nil
}

// Recompute derives the full 19-key bandwidth-weight mapping for consensus
// and stores it in consensus.Weights, replacing whatever was there. It
// must be called whenever relays are added to or removed from the
// consensus outside of authority voting (spec §4.1, §4.8).
func Recompute(consensus *directory.Consensus) error {
	totals := ComputeTotals(consensus.Relays)
	w, err := compute(totals)
	if err != nil {
		return err
	}

	consensus.Weights = directory.Weights{
		"Wbd": w.Wmd,
		"Wbe": w.Wme,
		"Wbg": w.Wmg,
		"Wbm": Weightscale,
		"Wdb": Weightscale,
		"Web": Weightscale,
		"Wed": w.Wed,
		"Wee": w.Wee,
		"Weg": w.Wed,
		"Wem": w.Wee,
		"Wgb": Weightscale,
		"Wgd": w.Wgd,
		"Wgg": w.Wgg,
		"Wgm": w.Wgg,
		"Wmb": Weightscale,
		"Wmd": w.Wmd,
		"Wme": w.Wme,
		"Wmg": w.Wmg,
		"Wmm": Weightscale,
	}
	return nil
}

// CheckInvariants re-derives the seven working weights from a 19-key
// mapping and verifies spec §4.5/§8's sum, range, and balance invariants,
// tolerating only a BalanceMid violation (as Recompute's own case-2b path
// does). It is exposed for tests that want to assert a fixture consensus's
// weights are self-consistent without recomputing them.
func CheckInvariants(consensus *directory.Consensus) error {
	w := weights{
		Wgg: consensus.Weights["Wgg"],
		Wgd: consensus.Weights["Wgd"],
		Wmg: consensus.Weights["Wmg"],
		Wme: consensus.Weights["Wme"],
		Wmd: consensus.Weights["Wmd"],
		Wee: consensus.Weights["Wee"],
		Wed: consensus.Weights["Wed"],
	}
	totals := ComputeTotals(consensus.Relays)
	if bwErr := checkWeightsErrors(w, totals, 10); bwErr != nil && bwErr.Kind != ErrBalanceMid {
		return bwErr
	}
	return nil
}
