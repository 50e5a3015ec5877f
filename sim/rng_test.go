package sim

import (
	"math"
	"math/rand"
	"testing"
)

// === PartitionedRNG Tests ===

func TestPartitionedRNG_DeterministicDerivation(t *testing.T) {
	rng1 := NewPartitionedRNG(NewSimulationKey(42))
	rng2 := NewPartitionedRNG(NewSimulationKey(42))

	for i := 0; i < 3; i++ {
		v1 := rng1.ForSubsystem(SubsystemModel("office")).Float64()
		v2 := rng2.ForSubsystem(SubsystemModel("office")).Float64()
		if v1 != v2 {
			t.Errorf("Value %d: got %v and %v, want identical", i, v1, v2)
		}
	}
}

func TestPartitionedRNG_SubsystemIsolation(t *testing.T) {
	// Drawing from the tag pool must not shift a model subsystem's sequence.
	rngA := NewPartitionedRNG(NewSimulationKey(42))
	for i := 0; i < 10; i++ {
		rngA.ForSubsystem(SubsystemTagPool).Float64()
	}
	got := rngA.ForSubsystem(SubsystemModel("office")).Float64()

	fresh := NewPartitionedRNG(NewSimulationKey(42))
	want := fresh.ForSubsystem(SubsystemModel("office")).Float64()

	if got != want {
		t.Errorf("model subsystem first value = %v, want %v (isolation broken)", got, want)
	}
}

func TestPartitionedRNG_TagPoolUsesMasterSeed(t *testing.T) {
	seed := int64(42)
	rng := NewPartitionedRNG(NewSimulationKey(seed))
	pool := rng.ForSubsystem(SubsystemTagPool)
	direct := rand.New(rand.NewSource(seed))

	for i := 0; i < 10; i++ {
		if got, want := pool.Float64(), direct.Float64(); got != want {
			t.Errorf("Value %d: tag pool RNG = %v, direct RNG = %v", i, got, want)
		}
	}
}

func TestPartitionedRNG_CachesInstance(t *testing.T) {
	rng := NewPartitionedRNG(NewSimulationKey(42))
	if rng.ForSubsystem(SubsystemTagPool) != rng.ForSubsystem(SubsystemTagPool) {
		t.Error("ForSubsystem returned different instances for same name")
	}
}

func TestPartitionedRNG_SeedForMatchesForSubsystem(t *testing.T) {
	rng := NewPartitionedRNG(NewSimulationKey(math.MinInt64))
	name := SubsystemModel("lab")
	direct := rand.New(rand.NewSource(rng.SeedFor(name)))
	if got, want := rng.ForSubsystem(name).Int63(), direct.Int63(); got != want {
		t.Errorf("ForSubsystem(%q) first draw = %d, want %d", name, got, want)
	}
}

func TestPartitionedRNG_LazyInitialization(t *testing.T) {
	rng := NewPartitionedRNG(NewSimulationKey(42))
	if len(rng.subsystems) != 0 {
		t.Errorf("New PartitionedRNG has %d subsystems, want 0", len(rng.subsystems))
	}
	rng.ForSubsystem(SubsystemTagPool)
	if len(rng.subsystems) != 1 {
		t.Errorf("After one ForSubsystem call, have %d subsystems, want 1", len(rng.subsystems))
	}
}

func TestFnv1a64_Collision(t *testing.T) {
	names := []string{
		SubsystemTagPool,
		SubsystemModel("office"),
		SubsystemModel("lab"),
		SubsystemModel(""),
		"",
	}
	hashes := make(map[int64]string)
	for _, name := range names {
		h := fnv1a64(name)
		if existing, ok := hashes[h]; ok {
			t.Errorf("Hash collision: %q and %q both hash to %d", name, existing, h)
		}
		hashes[h] = name
	}
}
