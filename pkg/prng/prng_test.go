package prng

import "testing"

func TestWorkerSeedDeterministic(t *testing.T) {
	a := WorkerSeed(42, 3)
	b := WorkerSeed(42, 3)
	if a != b {
		t.Fatal("WorkerSeed is not deterministic for the same inputs")
	}
}

func TestWorkerSeedVariesByIndex(t *testing.T) {
	a := WorkerSeed(42, 1)
	b := WorkerSeed(42, 2)
	if a == b {
		t.Fatal("expected different worker indices to derive different seeds")
	}
}

func TestWorkerSeedVariesByGlobalSeed(t *testing.T) {
	a := WorkerSeed(1, 0)
	b := WorkerSeed(2, 0)
	if a == b {
		t.Fatal("expected different global seeds to derive different per-worker seeds")
	}
}

func TestStreamReturnsSameGeneratorForSameIndex(t *testing.T) {
	svc := New(7)
	g1 := svc.Stream(0)
	g2 := svc.Stream(0)
	if g1 != g2 {
		t.Fatal("expected Stream to return the same generator instance for a repeated index")
	}
}

func TestStreamDeterministicAcrossServices(t *testing.T) {
	a := New(99)
	b := New(99)

	va := a.Stream(5).Uint64()
	vb := b.Stream(5).Uint64()
	if va != vb {
		t.Fatal("expected two services with the same seed to produce identical draws for the same worker index")
	}
}

func TestRandomSeedNonzero(t *testing.T) {
	seed := RandomSeed()
	if seed == 0 {
		t.Fatal("RandomSeed must never return 0")
	}
}
