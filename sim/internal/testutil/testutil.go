// Package testutil provides shared fixtures and assertion helpers for the
// pipeline's test packages.
package testutil

import (
	"math"
	"testing"

	"github.com/inference-sim/xraysim/sim/response"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// FlatProvider is an emissivity provider with a constant continuum and
// metal emissivity per keV at every temperature, so integrated values
// are known in closed form.
type FlatProvider struct {
	Continuum float64
	Metals    float64
}

// Name implements spectral.EmissivityProvider.
func (p FlatProvider) Name() string { return "flat" }

// Emissivity implements spectral.EmissivityProvider.
func (p FlatProvider) Emissivity(kT, energy float64) (continuum, metals float64) {
	return p.Continuum, p.Metals
}

// Instrument returns an initialized descriptor for a small square detector:
// 64 pixels of 2" (a 2.133' side), a flat 500 cm² area over 0.1-10 keV, a
// 2" PSF, 128 Gaussian channels over 0.1-10 keV and modest backgrounds.
// Each call returns an independent value that tests may modify and re-Init.
func Instrument(t *testing.T) *response.Descriptor {
	t.Helper()
	d := &response.Descriptor{
		Name:       "test-ccd",
		NumPixels:  64,
		PixelScale: 2,
		FOV:        2,
		EffectiveArea: response.AreaSpec{
			Energy: []float64{0.1, 10},
			Area:   []float64{500, 500},
		},
		PSF:      response.PSFSpec{FWHM: 2},
		Response: response.ResponseSpec{Channels: 128, EMin: 0.1, EMax: 10, FWHM: 0.1},
		Background: response.BackgroundSpec{
			InstrumentalRate:     1e-3,
			ForegroundKT:         0.2,
			ForegroundBrightness: 1e-6,
			LogNLogS: response.LogNLogS{
				K: 200, S0: 1e-5, Alpha: 1.2, SMin: 1e-6, SMax: 1e-4, PhotonIndex: 1.9,
			},
		},
	}
	if err := d.Init(""); err != nil {
		t.Fatalf("initializing test instrument: %v", err)
	}
	return d
}
