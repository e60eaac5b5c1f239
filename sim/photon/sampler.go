// Package photon turns a source region into a Monte-Carlo photon list.
//
// Each source element is an independent work unit with its own RNG stream,
// so the photon list is identical for any number of workers: elements are
// sampled into private buffers and concatenated in element order.
package photon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/sampling"
	"github.com/inference-sim/xraysim/sim/spectral"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// SamplerConfig holds the generation parameters of a photon list.
type SamplerConfig struct {
	Redshift        float64
	Area            float64 // cm², should exceed the peak effective area of any instrument used later
	ExposureTime    float64 // s, should exceed any exposure simulated later
	Center          r3.Vec  // kpc
	Seed            int64
	Workers         int // <= 0: one goroutine per element batch, unbounded
	FailOnUnderflow bool
	Metrics         *telemetry.Recorder
}

// Validate checks the numeric parameters.
func (c SamplerConfig) Validate() error {
	if err := sim.ValidateFiniteNonNegative("redshift", c.Redshift); err != nil {
		return err
	}
	if err := sim.ValidateFinitePositive("area", c.Area); err != nil {
		return err
	}
	return sim.ValidateFinitePositive("exposure_time", c.ExposureTime)
}

// Sampler draws photons from a spectral table. The table is shared
// read-only by all workers.
type Sampler struct {
	table *spectral.Table
	cfg   SamplerConfig
}

// NewSampler validates cfg and binds it to table.
func NewSampler(table *spectral.Table, cfg SamplerConfig) (*Sampler, error) {
	if table == nil {
		return nil, errors.New("nil spectral table")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{table: table, cfg: cfg}, nil
}

// ExpectedCount returns the mean photon count of one element:
// EM · (1+z)⁻¹ · area · exposure · ∫ emissivity(kT, Z) dE.
// clamped reports whether kT was outside the table. Elements with
// non-positive or non-finite emission measure contribute zero.
func (s *Sampler) ExpectedCount(el Element) (mean float64, clamped bool, err error) {
	if !(el.EmissionMeasure > 0) || math.IsInf(el.EmissionMeasure, 0) {
		return 0, false, nil
	}
	w, err := s.rowWeights(el.Temperature)
	if err != nil {
		return 0, false, err
	}
	integrated := s.table.IntegratedAt(w, el.Metallicity)
	mean = el.EmissionMeasure / (1 + s.cfg.Redshift) * s.cfg.Area * s.cfg.ExposureTime * integrated
	return mean, w.Clamped, nil
}

// elementBuffer is the private output of one work unit.
type elementBuffer struct {
	x, y, z, energy, time []float64
	expected             float64
	skipped, clamped     bool
}

// batchSize is the number of elements handled per goroutine.
const batchSize = 256

// Sample draws the photon list for region. The returned summary records
// skipped and clamped elements. A region with zero expected photons yields
// an empty list; the underflow is returned as an error only when
// FailOnUnderflow is set.
func (s *Sampler) Sample(ctx context.Context, region *SourceRegion) (*List, error) {
	if region == nil {
		return nil, errors.New("nil source region")
	}
	timer := s.cfg.Metrics.StageTimer("photons")
	defer timer()

	rngs := sim.NewPartitionedRNG(sim.NewSimulationKey(s.cfg.Seed))
	bufs := make([]elementBuffer, len(region.Elements))

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Workers > 0 {
		g.SetLimit(s.cfg.Workers)
	}
	for start := 0; start < len(bufs); start += batchSize {
		end := min(start+batchSize, len(bufs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				b, err := s.sampleElement(region.Elements[i], rngs.ForUnit(sim.SubsystemPhotons, i))
				if err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
				bufs[i] = b
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := Summary{Elements: len(bufs)}
	total := 0
	for i := range bufs {
		total += len(bufs[i].energy)
		summary.ExpectedCount += bufs[i].expected
		if bufs[i].skipped {
			summary.Skipped++
		}
		if bufs[i].clamped {
			summary.Clamped++
		}
	}
	summary.RealizedCount = total

	list := &List{
		Header: Header{
			Version:       FormatVersion,
			RunID:         uuid.NewString(),
			Seed:          s.cfg.Seed,
			SourceID:      region.ID,
			Redshift:      s.cfg.Redshift,
			Area:          s.cfg.Area,
			ExposureTime:  s.cfg.ExposureTime,
			Center:        [3]float64{s.cfg.Center.X, s.cfg.Center.Y, s.cfg.Center.Z},
			SpectralModel: s.table.Model(),
			Summary:       summary,
		},
		X:      make([]float64, 0, total),
		Y:      make([]float64, 0, total),
		Z:      make([]float64, 0, total),
		Energy: make([]float64, 0, total),
		Time:   make([]float64, 0, total),
		Weight: make([]float64, total),
	}
	for i := range bufs {
		list.X = append(list.X, bufs[i].x...)
		list.Y = append(list.Y, bufs[i].y...)
		list.Z = append(list.Z, bufs[i].z...)
		list.Energy = append(list.Energy, bufs[i].energy...)
		list.Time = append(list.Time, bufs[i].time...)
	}
	for i := range list.Weight {
		list.Weight[i] = 1
	}

	s.cfg.Metrics.ObservePhotons(summary.RealizedCount, summary.Skipped, summary.Clamped)
	logrus.WithFields(logrus.Fields{
		"source":   region.ID,
		"elements": summary.Elements,
		"skipped":  summary.Skipped,
		"clamped":  summary.Clamped,
		"expected": summary.ExpectedCount,
		"photons":  summary.RealizedCount,
	}).Info("photon sampling complete")
	if summary.Clamped > 0 {
		logrus.Warnf("%d elements had temperatures outside the spectral table and were clamped", summary.Clamped)
	}
	if err := summary.Underflow(); err != nil {
		if s.cfg.FailOnUnderflow {
			return nil, err
		}
		logrus.Warn(err.Error())
	}
	return list, nil
}

// rowWeights locates an element temperature (K) in the table. Under the
// clamp policy, zero, negative and infinite temperatures fall off the grid
// like any other and are clamped to the first or last row; only NaN fails.
func (s *Sampler) rowWeights(kelvin float64) (spectral.RowWeights, error) {
	kT := KTFromKelvin(kelvin)
	if s.table.Params().OffGrid != spectral.OffGridFail && !math.IsNaN(kT) {
		switch {
		case kT <= 0:
			return spectral.RowWeights{WLo: 1, Clamped: true}, nil
		case math.IsInf(kT, 1):
			last := len(s.table.Temperatures()) - 1
			return spectral.RowWeights{Lo: last, Hi: last, WLo: 1, Clamped: true}, nil
		}
	}
	return s.table.Interpolate(kT)
}

// sampleElement realizes one element's photons on its own stream.
func (s *Sampler) sampleElement(el Element, rng *rand.Rand) (elementBuffer, error) {
	var b elementBuffer
	if !(el.EmissionMeasure > 0) || math.IsInf(el.EmissionMeasure, 0) {
		b.skipped = true
		return b, nil
	}
	w, err := s.rowWeights(el.Temperature)
	if err != nil {
		return b, err
	}
	b.clamped = w.Clamped
	integrated := s.table.IntegratedAt(w, el.Metallicity)
	b.expected = el.EmissionMeasure / (1 + s.cfg.Redshift) * s.cfg.Area * s.cfg.ExposureTime * integrated

	n := sampling.Poisson(rng, b.expected)
	if n == 0 {
		return b, nil
	}
	b.x = make([]float64, n)
	b.y = make([]float64, n)
	b.z = make([]float64, n)
	b.energy = make([]float64, n)
	b.time = make([]float64, n)

	rel := r3.Sub(el.Position, s.cfg.Center)
	half := 0.5 * el.Size
	scale := 1 / (1 + s.cfg.Redshift)
	for k := 0; k < n; k++ {
		b.energy[k] = s.table.SampleEnergy(rng, w, el.Metallicity) * scale
		b.x[k] = rel.X + sampling.Uniform(rng, -half, half)
		b.y[k] = rel.Y + sampling.Uniform(rng, -half, half)
		b.z[k] = rel.Z + sampling.Uniform(rng, -half, half)
		b.time[k] = rng.Float64() * s.cfg.ExposureTime
	}
	return b, nil
}
