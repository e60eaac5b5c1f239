// Package sampling holds the random variate generators shared by the photon,
// background and instrument stages. All samplers take the caller's
// *rand.Rand so that stream ownership stays with the work unit.
package sampling

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// CDFSampler draws bin indices from a discrete distribution by inverse
// transform over its cumulative weights.
type CDFSampler struct {
	cdf   []float64 // cumulative weights, last entry == total
	total float64
}

// NewCDFSampler builds a sampler from non-negative weights. Negative and
// non-finite weights are treated as zero.
func NewCDFSampler(weights []float64) *CDFSampler {
	clean := make([]float64, len(weights))
	for i, w := range weights {
		if w > 0 && !math.IsInf(w, 0) {
			clean[i] = w
		}
	}
	cdf := floats.CumSum(make([]float64, len(clean)), clean)
	total := 0.0
	if len(cdf) > 0 {
		total = cdf[len(cdf)-1]
	}
	return &CDFSampler{cdf: cdf, total: total}
}

// NewCDFSamplerFromCumulative wraps an existing cumulative array without
// copying. The caller must not mutate it afterwards.
func NewCDFSamplerFromCumulative(cdf []float64) *CDFSampler {
	total := 0.0
	if len(cdf) > 0 {
		total = cdf[len(cdf)-1]
	}
	return &CDFSampler{cdf: cdf, total: total}
}

// Total returns the sum of the weights.
func (s *CDFSampler) Total() float64 { return s.total }

// Len returns the number of bins.
func (s *CDFSampler) Len() int { return len(s.cdf) }

// Index returns a bin index with probability proportional to its weight.
// Returns -1 when all weights are zero.
func (s *CDFSampler) Index(rng *rand.Rand) int {
	if s.total <= 0 {
		return -1
	}
	return SearchCumulative(s.cdf, rng.Float64()*s.total)
}

// SearchCumulative returns the first bin whose cumulative weight exceeds u,
// skipping zero-width bins.
func SearchCumulative(cdf []float64, u float64) int {
	idx := sort.Search(len(cdf), func(i int) bool { return cdf[i] > u })
	if idx >= len(cdf) {
		idx = len(cdf) - 1
	}
	return idx
}

// Poisson draws a Poisson variate with the given mean. Non-positive or
// non-finite means yield 0.
func Poisson(rng *rand.Rand, mean float64) int {
	if !(mean > 0) || math.IsInf(mean, 0) {
		return 0
	}
	d := distuv.Poisson{Lambda: mean, Src: rng}
	return int(d.Rand())
}

// Normal draws from N(mu, sigma²). sigma <= 0 returns mu.
func Normal(rng *rand.Rand, mu, sigma float64) float64 {
	if sigma <= 0 {
		return mu
	}
	d := distuv.Normal{Mu: mu, Sigma: sigma, Src: rng}
	return d.Rand()
}

// Uniform draws from [lo, hi).
func Uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// PowerLaw draws x in [lo, hi] with density proportional to x^-index.
// index == 1 is the log-uniform case.
func PowerLaw(rng *rand.Rand, index, lo, hi float64) float64 {
	u := rng.Float64()
	if math.Abs(index-1) < 1e-12 {
		return lo * math.Exp(u*math.Log(hi/lo))
	}
	k := 1 - index
	a := math.Pow(lo, k)
	b := math.Pow(hi, k)
	return math.Pow(a+u*(b-a), 1/k)
}

// ParetoTail draws x >= xm with survival function (x/xm)^-alpha:
// X = xm / U^(1/alpha).
func ParetoTail(rng *rand.Rand, alpha, xm float64) float64 {
	u := rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64 // prevent division by zero → +Inf
	}
	return xm / math.Pow(u, 1.0/alpha)
}
