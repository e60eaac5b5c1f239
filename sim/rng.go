package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible pipeline run.
// Two runs with the same SimulationKey and identical configuration
// MUST produce bit-for-bit identical artifacts, regardless of the
// number of workers used.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemPhotons draws photon counts, energies, positions and times.
	// Partitioned per source element via ForUnit.
	SubsystemPhotons = "photons"

	// SubsystemProjection drives the absorption thinning step.
	// Partitioned per fixed-size photon chunk via ForUnit.
	SubsystemProjection = "projection"

	// SubsystemBackground drives background synthesis.
	// Partitioned per background component via ForUnit.
	SubsystemBackground = "background"

	// SubsystemInstrument drives exposure rescaling, effective-area
	// thinning, PSF blurring and energy redistribution.
	SubsystemInstrument = "instrument"
)

// UnitName returns the stream name for work unit N of a subsystem.
func UnitName(subsystem string, index int) string {
	return fmt.Sprintf("%s_%d", subsystem, index)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG streams per subsystem.
//
// Derivation: each stream is a PCG generator seeded with
// (masterSeed, fnv1a64(streamName)), so streams never depend on the order
// in which they are requested.
//
// Thread-safety: ForSubsystem is NOT thread-safe and must be called from a
// single goroutine. ForUnit holds no shared state and may be called from
// any goroutine.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := p.newStream(name)
	p.subsystems[name] = rng
	return rng
}

// ForUnit returns a fresh stream for one parallel work unit (a source
// element, a projection chunk, a background component). The result is not
// cached: each call returns a new generator positioned at the start of the
// unit's sequence, and the caller owns it exclusively.
func (p *PartitionedRNG) ForUnit(subsystem string, index int) *rand.Rand {
	return p.newStream(UnitName(subsystem, index))
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

func (p *PartitionedRNG) newStream(name string) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(p.key), uint64(fnv1a64(name))))
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
