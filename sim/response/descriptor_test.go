package response

import (
	"errors"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/xraysim/sim"
)

const descriptorYAML = `name: test-ccd
num_pixels: 100
pixel_scale: 0.5
fov: 1
effective_area:
  file: area.csv
psf:
  fwhm: 1.0
response:
  channels: 4
  emin: 0.5
  emax: 2.5
  matrix: rmf.csv
vignetting: 0.1
background:
  instrumental_rate: 0.01
  lognlogs:
    k: 10
    s0: 1.0e-5
    alpha: 1.5
    smin: 1.0e-6
    smax: 1.0e-4
    photon_index: 2
`

func writeDescriptor(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("area.csv", "# energy, area\nenergy,area\n0.5,100\n1.5,300\n2.5,200\n")
	write("rmf.csv", "# lo, hi, p0..p3\n"+
		"0.5,1.0,1,0,0,0\n"+
		"1.0,1.5,0,1,0,0\n"+
		"1.5,2.0,0,0.5,0.5,0\n"+
		"2.0,2.5,0,0,0,2\n")
	write("instrument.yaml", yaml)
	return filepath.Join(dir, "instrument.yaml")
}

func TestLoadDescriptor_FromFiles(t *testing.T) {
	d, err := LoadDescriptor(writeDescriptor(t, descriptorYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-ccd", d.Name)
	assert.Equal(t, 4, d.Channels())
	assert.InDelta(t, 200.0, d.Area().At(1.0), 1e-12)
	assert.Equal(t, 300.0, d.Area().Max())
	assert.Zero(t, d.Area().At(3))
	assert.InDelta(t, 100*0.5/60, d.DetectorSide(), 1e-12)
	assert.Equal(t, 1.0, d.FieldArea())
	assert.Equal(t, 1.0, d.Response.ReferenceEnergy)

	rng := rand.New(rand.NewPCG(1, 1))
	rmf := d.Redistribution()
	assert.Equal(t, 0, rmf.Channel(rng, 0.7))
	assert.Equal(t, 1, rmf.Channel(rng, 1.2))
	assert.Equal(t, 3, rmf.Channel(rng, 2.2))
	assert.Equal(t, 3, rmf.Channel(rng, 9))
}

func TestLoadDescriptor_CalibrationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		item string
	}{
		{"unknown key", descriptorYAML + "bogus: 1\n", "descriptor"},
		{"missing name", "num_pixels: 10\npixel_scale: 1\nfov: 1\n", "descriptor"},
		{"emax below emin", `name: x
num_pixels: 10
pixel_scale: 1
fov: 1
effective_area: {energy: [1, 2], area: [1, 1]}
response: {channels: 4, emin: 2, emax: 1}
`, "descriptor"},
		{"missing area file", `name: x
num_pixels: 10
pixel_scale: 1
fov: 1
effective_area: {file: nope.csv}
response: {channels: 4, emin: 1, emax: 2}
`, "effective_area"},
		{"no area", `name: x
num_pixels: 10
pixel_scale: 1
fov: 1
response: {channels: 4, emin: 1, emax: 2}
`, "effective_area"},
		{"matrix channel mismatch", `name: x
num_pixels: 10
pixel_scale: 1
fov: 1
effective_area: {energy: [1, 2], area: [1, 1]}
response: {channels: 3, emin: 1, emax: 2, matrix: rmf.csv}
`, "response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDescriptor(writeDescriptor(t, tt.yaml))
			var calErr *sim.CalibrationError
			require.ErrorAs(t, err, &calErr)
			assert.Contains(t, calErr.Item, tt.item)
		})
	}
}

func TestLoadDescriptor_MissingFile(t *testing.T) {
	_, err := LoadDescriptor(filepath.Join(t.TempDir(), "absent.yaml"))
	var calErr *sim.CalibrationError
	require.ErrorAs(t, err, &calErr)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDescriptor_PanicsBeforeInit(t *testing.T) {
	d := &Descriptor{Name: "raw"}
	assert.Panics(t, func() { d.Area() })
}

func inlineDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	d := &Descriptor{
		Name: "inline", NumPixels: 10, PixelScale: 2, FOV: 1,
		EffectiveArea: AreaSpec{Energy: []float64{0.1, 10}, Area: []float64{10, 10}},
		PSF:           PSFSpec{FWHM: 0},
		Response:      ResponseSpec{Channels: 64, EMin: 0.1, EMax: 10, FWHM: 0.2},
		Vignetting:    0.5,
	}
	require.NoError(t, d.Init(""))
	return d
}

func TestDescriptor_Geometry(t *testing.T) {
	d := inlineDescriptor(t)

	// The aim point is the detector center
	px, py, ok := d.ToPixel(0, 0)
	assert.True(t, ok)
	assert.Equal(t, 5, px)
	assert.Equal(t, 5, py)

	// Lower-left corner pixel and off-detector positions
	px, py, ok = d.ToPixel(-9.9, -9.9)
	assert.True(t, ok)
	assert.Equal(t, [2]int{0, 0}, [2]int{px, py})
	_, _, ok = d.ToPixel(10, 0)
	assert.False(t, ok)
	_, _, ok = d.ToPixel(math.NaN(), 0)
	assert.False(t, ok)

	// PixelCenter inverts ToPixel
	for _, p := range [][2]int{{0, 0}, {3, 7}, {9, 9}} {
		x, y := d.PixelCenter(p[0], p[1])
		gx, gy, ok := d.ToPixel(x, y)
		assert.True(t, ok)
		assert.Equal(t, p, [2]int{gx, gy})
	}

	assert.Equal(t, 1.0, d.VignettingFactor(0))
	assert.InDelta(t, 0.5, d.VignettingFactor(1), 1e-12)
	assert.Zero(t, d.VignettingFactor(10))

	// A zero-width PSF leaves positions untouched
	x, y := d.Blur(rand.New(rand.NewPCG(1, 1)), 3, 4, 1)
	assert.Equal(t, [2]float64{3, 4}, [2]float64{x, y})
}

func TestRedistribution_ChannelInRange(t *testing.T) {
	gaussian := inlineDescriptor(t).Redistribution()
	matrix, err := NewMatrixResponse(3, []float64{0.5, 1}, []float64{1, 2}, [][]float64{{1, 1, 0}, {0, 1, 1}})
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	for name, rmf := range map[string]Redistribution{"gaussian": gaussian, "matrix": matrix} {
		properties.Property(name+" channels lie in [0, N)", prop.ForAll(
			func(seed uint64, energy float64) bool {
				ch := rmf.Channel(rand.New(rand.NewPCG(seed, 7)), energy)
				return ch >= 0 && ch < rmf.Channels()
			},
			gen.UInt64(), gen.Float64Range(-5, 50),
		))
	}
	properties.TestingRun(t)

	// Non-finite energies are clamped too
	rng := rand.New(rand.NewPCG(2, 2))
	for _, e := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ch := gaussian.Channel(rng, e)
		assert.True(t, ch >= 0 && ch < gaussian.Channels())
	}
}

func TestGaussianResponse_Resolution(t *testing.T) {
	// GIVEN 100 channels over 0-10 keV and 0.2 keV FWHM at 1 keV
	g := GaussianResponse{NumChannels: 100, EMin: 0, EMax: 10, FWHM: 0.2, ReferenceEnergy: 1}
	rng := rand.New(rand.NewPCG(5, 5))

	// WHEN 1 keV photons are redistributed
	const n = 20000
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(g.Channel(rng, 1.05))
	}

	// THEN the mean channel is the one containing 1.05 keV
	assert.InDelta(t, 10, sum/n, 0.05)
}

func TestNewMatrixResponse_Errors(t *testing.T) {
	_, err := NewMatrixResponse(0, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewMatrixResponse(2, []float64{1}, []float64{2}, [][]float64{{0, 0}})
	assert.ErrorContains(t, err, "zero total")
	_, err = NewMatrixResponse(2, []float64{1}, []float64{2}, [][]float64{{-1, 2}})
	assert.Error(t, err)
	_, err = NewMatrixResponse(2, []float64{1, 1.5}, []float64{2, 3}, [][]float64{{1, 0}, {0, 1}})
	assert.ErrorContains(t, err, "non-overlapping")
}

func TestNewAreaCurve_Errors(t *testing.T) {
	_, err := NewAreaCurve([]float64{1}, []float64{1})
	assert.Error(t, err)
	_, err = NewAreaCurve([]float64{2, 1}, []float64{1, 1})
	assert.Error(t, err)
	_, err = NewAreaCurve([]float64{1, 2}, []float64{1, -1})
	assert.Error(t, err)
	_, err = NewAreaCurve([]float64{1, 2, 3}, []float64{1, 1})
	assert.Error(t, err)
}
