// Package adversary fabricates malicious relays and injects them into a
// consensus, modeling a network-level attacker who runs guard and/or exit
// relays to observe client traffic. Grounded on the original's Adversary
// type (adversaries.rs): relay fabrication, consensus injection, and
// fingerprint-membership queries follow the same shape, translated to this
// package's directory.Relay/Consensus model.
package adversary

import (
	"fmt"

	"github.com/opd-ai/torsim/pkg/bwweights"
	"github.com/opd-ai/torsim/pkg/directory"
)

// Config describes how many adversarial guard/exit relays to fabricate and
// the flat bandwidth weight to assign each one, mirroring the CLI's
// --adv-guards-num/--adv-guards-bw and --adv-exits-num/--adv-exits-bw
// flags (spec §6).
type Config struct {
	GuardCount  uint64
	GuardWeight uint64
	ExitCount   uint64
	ExitWeight  uint64
}

// Adversary holds the set of fabricated relays to inject into every
// consensus processed during the run, and answers fingerprint-membership
// queries. Trace rows carry no adversary tag.
type Adversary struct {
	relays       []*directory.Relay
	fingerprints map[string]struct{}
}

// New fabricates the adversary's guard and exit relays from cfg. Exit
// relay IP addresses are offset past the guard relays' address range (the
// second octet), matching the original's ip_offset parameter to
// make_adversarial_exit.
func New(cfg Config) *Adversary {
	var relays []*directory.Relay
	fingerprints := make(map[string]struct{})

	for i := uint64(1); i <= cfg.GuardCount; i++ {
		r := makeAdversarialGuard(i, cfg.GuardWeight)
		relays = append(relays, r)
		fingerprints[r.Fingerprint] = struct{}{}
	}
	for i := uint64(1); i <= cfg.ExitCount; i++ {
		r := makeAdversarialExit(i, cfg.GuardCount, cfg.ExitWeight)
		relays = append(relays, r)
		fingerprints[r.Fingerprint] = struct{}{}
	}

	return &Adversary{relays: relays, fingerprints: fingerprints}
}

// ModifyConsensus appends the adversary's fabricated relays to consensus
// and, if any were added, recomputes its bandwidth weights so path
// selection accounts for the injected bandwidth (spec §4.8).
func (a *Adversary) ModifyConsensus(consensus *directory.Consensus) error {
	if len(a.relays) == 0 {
		return nil
	}
	consensus.Relays = append(consensus.Relays, a.relays...)
	if err := bwweights.Recompute(consensus); err != nil {
		return fmt.Errorf("recomputing bandwidth weights after adversary injection: %w", err)
	}
	return nil
}

// IsAdversarial reports whether fingerprint belongs to a fabricated
// adversarial relay.
func (a *Adversary) IsAdversarial(fingerprint string) bool {
	_, ok := a.fingerprints[fingerprint]
	return ok
}

// NumGuards returns the count of fabricated guard relays.
func (a *Adversary) NumGuards() int {
	n := 0
	for _, r := range a.relays {
		if r.IsGuard() {
			n++
		}
	}
	return n
}

// NumExits returns the count of fabricated exit relays.
func (a *Adversary) NumExits() int {
	n := 0
	for _, r := range a.relays {
		if r.IsExit() {
			n++
		}
	}
	return n
}

// makeAdversarialGuard fabricates a single always-Guard, never-Exit relay
// with a reject-all exit policy, fingerprint zero-padded to 40 hex digits.
func makeAdversarialGuard(index, weight uint64) *directory.Relay {
	return &directory.Relay{
		Nickname:        fmt.Sprintf("BadGuyGuard%d", index),
		Fingerprint:     fmt.Sprintf("%040d", index),
		Address:         fmt.Sprintf("10.%d.0.1", index),
		ORPort:          9001,
		Flags:           []directory.Flag{directory.FlagFast, directory.FlagGuard, directory.FlagRunning, directory.FlagStable, directory.FlagValid},
		BandwidthWeight: weight,
		ExitPolicy:      directory.RejectAllPolicy(),
	}
}

// makeAdversarialExit fabricates a single always-Exit, never-Guard relay
// with an accept-all exit policy, fingerprint 'F'-padded to 40 hex digits
// and an address offset past ipOffset adversarial guard addresses so the
// two fabricated address ranges never collide.
func makeAdversarialExit(index, ipOffset, weight uint64) *directory.Relay {
	return &directory.Relay{
		Nickname:        fmt.Sprintf("BadGuyExit%d", index),
		Fingerprint:     padFHex(index),
		Address:         fmt.Sprintf("10.%d.0.1", ipOffset+index),
		ORPort:          9001,
		Flags:           []directory.Flag{directory.FlagFast, directory.FlagExit, directory.FlagRunning, directory.FlagStable, directory.FlagValid},
		BandwidthWeight: weight,
		ExitPolicy:      directory.AcceptAllPolicy(),
	}
}

// padFHex renders index as decimal digits right-aligned in a 40-character
// field padded with 'F', mirroring Rust's "{:F>40}" format directive and
// preserving the original's '0xFFF...F<index>' shape.
func padFHex(index uint64) string {
	s := fmt.Sprintf("%d", index)
	if len(s) >= 40 {
		return s[:40]
	}
	pad := ""
	for i := 0; i < 40-len(s); i++ {
		pad += "F"
	}
	return pad + s
}
