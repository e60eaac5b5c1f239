package sampling

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

func TestCDFSampler_FollowsWeights(t *testing.T) {
	// GIVEN weights 1:0:3 with invalid entries mixed in
	s := NewCDFSampler([]float64{1, 0, 3, -2, math.NaN()})
	assert.Equal(t, 4.0, s.Total())

	// WHEN sampling many indices
	rng := newRNG(1)
	counts := make([]int, s.Len())
	const n = 40000
	for i := 0; i < n; i++ {
		counts[s.Index(rng)]++
	}

	// THEN zero-weight bins are never chosen and the ratio is ~1:3
	assert.Zero(t, counts[1])
	assert.Zero(t, counts[3])
	assert.Zero(t, counts[4])
	assert.InDelta(t, 0.25, float64(counts[0])/n, 0.01)
}

func TestCDFSampler_AllZero(t *testing.T) {
	s := NewCDFSampler([]float64{0, 0})
	assert.Equal(t, -1, s.Index(newRNG(1)))
	assert.Equal(t, -1, NewCDFSampler(nil).Index(newRNG(1)))
}

func TestSearchCumulative_SkipsZeroWidthBins(t *testing.T) {
	cdf := []float64{0, 0, 1, 1, 2}
	assert.Equal(t, 2, SearchCumulative(cdf, 0))
	assert.Equal(t, 4, SearchCumulative(cdf, 1))
	assert.Equal(t, 4, SearchCumulative(cdf, 5))
}

func TestPoisson_DegenerateMeans(t *testing.T) {
	rng := newRNG(3)
	for _, mean := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		assert.Zero(t, Poisson(rng, mean))
	}
}

func TestPoisson_Mean(t *testing.T) {
	rng := newRNG(5)
	const n = 20000
	sum := 0
	for i := 0; i < n; i++ {
		sum += Poisson(rng, 7.5)
	}
	assert.InDelta(t, 7.5, float64(sum)/n, 0.1)
}

func TestNormal_ZeroSigmaIsIdentity(t *testing.T) {
	assert.Equal(t, 3.0, Normal(newRNG(1), 3, 0))
}

func TestSamplers_StayInRange(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("PowerLaw draws lie in [lo, hi]", prop.ForAll(
		func(seed uint64, index, lo, span float64) bool {
			hi := lo + span
			x := PowerLaw(newRNG(seed), index, lo, hi)
			return x >= lo*(1-1e-12) && x <= hi*(1+1e-12)
		},
		gen.UInt64(), gen.Float64Range(0, 3), gen.Float64Range(1e-3, 10), gen.Float64Range(1e-3, 100),
	))

	properties.Property("Uniform draws lie in [lo, hi)", prop.ForAll(
		func(seed uint64, lo, span float64) bool {
			x := Uniform(newRNG(seed), lo, lo+span)
			return x >= lo && x < lo+span
		},
		gen.UInt64(), gen.Float64Range(-100, 100), gen.Float64Range(1e-6, 100),
	))

	properties.Property("ParetoTail draws are at least xm", prop.ForAll(
		func(seed uint64, alpha, xm float64) bool {
			return ParetoTail(newRNG(seed), alpha, xm) >= xm
		},
		gen.UInt64(), gen.Float64Range(0.5, 4), gen.Float64Range(1e-3, 10),
	))

	properties.TestingRun(t)
}
