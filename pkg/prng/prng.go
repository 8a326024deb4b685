// Package prng provides deterministic, per-worker pseudo-random generators.
//
// The simulation must be reproducible given a fixed seed regardless of how
// many worker goroutines process clients, so a single locked generator is
// not acceptable: outcomes would depend on scheduling order. Instead every
// worker owns its own ChaCha8 stream, seeded from a SHA-256 hash of the
// global seed concatenated with the worker's index.
package prng

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	mathrand "math/rand/v2"
	"sync"
)

// Service hands out one deterministic generator per worker index. It is
// safe for concurrent use; callers from different workers never contend
// on the same *mathrand.ChaCha8.
type Service struct {
	seed uint64

	mu      sync.Mutex
	streams map[uint64]*mathrand.ChaCha8
}

// New creates a PRNG service rooted at the given global seed.
func New(seed uint64) *Service {
	return &Service{
		seed:    seed,
		streams: make(map[uint64]*mathrand.ChaCha8),
	}
}

// Seed returns the global seed this service was constructed with.
func (s *Service) Seed() uint64 {
	return s.seed
}

// WorkerSeed derives a 32-byte ChaCha8 seed from the global seed and a
// worker index, using SHA-256(seed_be ‖ index_be). The original
// implementation (seeded_rand.rs) uses SHA-1 over the same construction;
// SHA-256 is used here as the direct stdlib equivalent since no
// Tor-protocol requirement constrains this PRNG's hash choice.
func WorkerSeed(globalSeed, index uint64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], globalSeed)
	binary.BigEndian.PutUint64(buf[8:16], index)
	return sha256.Sum256(buf[:])
}

// Stream returns the *mathrand.ChaCha8 generator for the given worker index,
// creating it on first use. The same index always yields the same
// generator object, so repeated calls observe continuing draws from one
// stream rather than restarting it.
func (s *Service) Stream(index uint64) *mathrand.ChaCha8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.streams[index]; ok {
		return g
	}
	g := mathrand.NewChaCha8(WorkerSeed(s.seed, index))
	s.streams[index] = g
	return g
}

// RandomSeed draws a nonzero seed from a non-deterministic source, for use
// when the operator does not supply --seed.
func RandomSeed() uint64 {
	for {
		var buf [8]byte
		_, _ = rand.Read(buf[:])
		seed := binary.BigEndian.Uint64(buf[:])
		if seed != 0 {
			return seed
		}
	}
}
