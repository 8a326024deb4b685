// Package config holds the simulator run's configuration: which Tor
// network data to replay, over what time range, driven by which
// traffic models, with which adversary injected, and where to write the
// resulting trace.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/torsim/pkg/errors"
)

// Config is the fully resolved set of parameters a single simulation
// run needs, populated from cmd/torsim's flags (spec §6).
type Config struct {
	// TorDataDir is the root of a CollecTor-layout consensus archive.
	TorDataDir string

	// From and To bound the simulated time range: every consensus whose
	// valid-after falls in [From, To) is processed, in ascending order.
	From time.Time
	To   time.Time

	// StreamModelPath and PacketModelPath locate the two traffic-model
	// documents driving the user model's flow and packet generation.
	StreamModelPath string
	PacketModelPath string

	// OutputTracePath is where the merged output trace is written. A
	// ".zst" suffix enables transparent Zstandard compression. Empty
	// means discard the trace (useful for dry runs).
	OutputTracePath string

	// Seed is the global PRNG seed. Zero means "generate one and report
	// it", so a run can be reproduced later.
	Seed uint64

	// NumClients overrides the client population size derived from the
	// PrivCount scaling formula. Zero means "derive it automatically".
	NumClients uint64

	// LoadScale scales the derived client count and per-client flow
	// rate, modeling a busier or quieter network than the measured
	// baseline.
	LoadScale float64

	// AdvGuardsNum/AdvGuardsBW and AdvExitsNum/AdvExitsBW configure the
	// fabricated adversarial relays injected into every epoch's
	// consensus (pkg/adversary). Zero counts mean no adversary of that
	// kind is injected.
	AdvGuardsNum uint64
	AdvGuardsBW  uint64
	AdvExitsNum  uint64
	AdvExitsBW   uint64

	// MaxWorkers caps how many clients run concurrently per epoch. Zero
	// means "use runtime.GOMAXPROCS(0)".
	MaxWorkers int

	// LogLevel is the structured logger's minimum level: debug, info,
	// warn, or error.
	LogLevel string
}

// DefaultConfig returns a configuration with sensible defaults. Fields
// with no reasonable default (TorDataDir, From, To, the model paths)
// are left zero-valued and must be supplied before Validate succeeds.
func DefaultConfig() *Config {
	return &Config{
		LoadScale: 1.0,
		LogLevel:  "info",
	}
}

// Validate checks the configuration for internal consistency, returning
// the first violation found wrapped as an input-category error.
func (c *Config) Validate() error {
	if c.TorDataDir == "" {
		return errors.InputError("TorDataDir is required", nil)
	}
	if c.From.IsZero() || c.To.IsZero() {
		return errors.InputError("both From and To must be set", nil)
	}
	if !c.From.Before(c.To) {
		return errors.InputError("From must be strictly before To", nil)
	}
	if c.StreamModelPath == "" {
		return errors.InputError("StreamModelPath is required", nil)
	}
	if c.PacketModelPath == "" {
		return errors.InputError("PacketModelPath is required", nil)
	}
	if c.LoadScale <= 0 {
		return errors.InputError("LoadScale must be positive", nil)
	}
	if c.MaxWorkers < 0 {
		return errors.InputError("MaxWorkers must be non-negative", nil)
	}
	if (c.AdvGuardsNum == 0) != (c.AdvGuardsBW == 0) {
		return errors.InputError("AdvGuardsNum and AdvGuardsBW must both be zero or both be positive", nil)
	}
	if (c.AdvExitsNum == 0) != (c.AdvExitsBW == 0) {
		return errors.InputError("AdvExitsNum and AdvExitsBW must both be zero or both be positive", nil)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return errors.InputError(fmt.Sprintf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel), nil)
	}

	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
