package spectral

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/internal/testutil"
)

func smallParams() TableParams {
	return TableParams{EMin: 0.1, EMax: 10, NChan: 99, KTMin: 0.1, KTMax: 10, NKT: 5, OffGrid: OffGridClamp}
}

func buildFlat(t *testing.T, params TableParams) *Table {
	t.Helper()
	table, err := Build(context.Background(), params, testutil.FlatProvider{Continuum: 2, Metals: 1}, 2)
	require.NoError(t, err)
	return table
}

func TestTableParams_Validate_RangeErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TableParams)
		param  string
	}{
		{"emin >= emax", func(p *TableParams) { p.EMin = 10 }, "emin"},
		{"zero channels", func(p *TableParams) { p.NChan = 0 }, "nchan"},
		{"kt_min >= kt_max", func(p *TableParams) { p.KTMin = 20 }, "kt_min"},
		{"non-positive kt_min", func(p *TableParams) { p.KTMin = 0 }, "kt_min"},
		{"zero temperatures", func(p *TableParams) { p.NKT = 0 }, "n_kt"},
		{"NaN emax", func(p *TableParams) { p.EMax = math.NaN() }, "emax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := smallParams()
			tt.mutate(&p)
			var rangeErr *sim.RangeError
			require.ErrorAs(t, p.Validate(), &rangeErr)
			assert.Equal(t, tt.param, rangeErr.Param)
		})
	}
}

func TestBuild_FlatProviderIntegratesInClosedForm(t *testing.T) {
	// GIVEN a flat provider of 2/keV continuum and 1/keV metals over 9.9 keV
	table := buildFlat(t, smallParams())

	// WHEN integrated at solar and zero metallicity
	solar, err := table.Integrated(1, 1)
	require.NoError(t, err)
	zero, err := table.Integrated(1, 0)
	require.NoError(t, err)

	// THEN the totals match the analytic values
	testutil.AssertFloat64Equal(t, "solar", 3*9.9, solar, 1e-12)
	testutil.AssertFloat64Equal(t, "zero", 2*9.9, zero, 1e-12)
}

func TestBuild_IndependentOfWorkers(t *testing.T) {
	params := smallParams()
	a, err := Build(context.Background(), params, ThermalPlasma{}, 1)
	require.NoError(t, err)
	b, err := Build(context.Background(), params, ThermalPlasma{}, 0)
	require.NoError(t, err)
	assert.Equal(t, a.cont, b.cont)
	assert.Equal(t, a.metals, b.metals)
}

func TestBuild_RejectsInvalidEmissivity(t *testing.T) {
	_, err := Build(context.Background(), smallParams(), testutil.FlatProvider{Continuum: -1}, 1)
	assert.ErrorContains(t, err, "invalid emissivity")
}

func TestBuild_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, smallParams(), ThermalPlasma{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInterpolate_LogLinearWeights(t *testing.T) {
	table := buildFlat(t, smallParams())
	kT := table.Temperatures()

	// Exactly on a grid row
	w, err := table.Interpolate(kT[2])
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w.WLo+w.WHi, 1e-12)
	assert.True(t, (w.Lo == 2 && w.WLo > 1-1e-9) || (w.Hi == 2 && w.WHi > 1-1e-9))

	// Geometric midpoint between rows 1 and 2
	w, err = table.Interpolate(math.Sqrt(kT[1] * kT[2]))
	require.NoError(t, err)
	assert.Equal(t, 1, w.Lo)
	assert.Equal(t, 2, w.Hi)
	assert.InDelta(t, 0.5, w.WHi, 1e-9)
	assert.False(t, w.Clamped)
}

func TestInterpolate_OffGridPolicies(t *testing.T) {
	clamp := buildFlat(t, smallParams())
	w, err := clamp.Interpolate(50)
	require.NoError(t, err)
	assert.True(t, w.Clamped)
	assert.Equal(t, 4, w.Lo)

	p := smallParams()
	p.OffGrid = OffGridFail
	fail := buildFlat(t, p)
	var rangeErr *sim.RangeError
	_, err = fail.Interpolate(50)
	assert.ErrorAs(t, err, &rangeErr)

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := clamp.Interpolate(bad)
		assert.ErrorAs(t, err, &rangeErr, "kT=%v", bad)
	}
}

func TestInterpolate_SingleTemperature(t *testing.T) {
	p := smallParams()
	p.NKT = 1
	p.KTMax = 0.2
	table := buildFlat(t, p)
	w, err := table.Interpolate(0.1)
	require.NoError(t, err)
	assert.Equal(t, RowWeights{Lo: 0, Hi: 0, WLo: 1}, w)
}

func TestLookup_EnergyPolicies(t *testing.T) {
	table := buildFlat(t, smallParams())
	v, err := table.Lookup(1, 5, 1)
	require.NoError(t, err)
	testutil.AssertFloat64Equal(t, "density", 3, v, 1e-12)

	v, err = table.Lookup(1, 20, 0)
	require.NoError(t, err)
	testutil.AssertFloat64Equal(t, "clamped density", 2, v, 1e-12)

	p := smallParams()
	p.OffGrid = OffGridFail
	_, err = buildFlat(t, p).Lookup(1, 20, 0)
	var rangeErr *sim.RangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestSampleEnergy_WithinGridAndMatchesShape(t *testing.T) {
	// GIVEN a flat spectrum over [0.1, 10]
	table := buildFlat(t, smallParams())
	w, err := table.Interpolate(1)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 2))

	// WHEN drawing energies
	const n = 50000
	sum := 0.0
	for i := 0; i < n; i++ {
		e := table.SampleEnergy(rng, w, 0.5)
		require.GreaterOrEqual(t, e, 0.1)
		require.LessOrEqual(t, e, 10.0)
		sum += e
	}

	// THEN the mean is the midpoint of the band
	assert.InDelta(t, 5.05, sum/n, 0.05)
}

func TestSampleEnergy_ZeroSpectrumIsNaN(t *testing.T) {
	table, err := Build(context.Background(), smallParams(), testutil.FlatProvider{}, 1)
	require.NoError(t, err)
	w, err := table.Interpolate(1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(table.SampleEnergy(rand.New(rand.NewPCG(1, 1)), w, 1)))
}

func TestThermalPlasma_LinesBroadened(t *testing.T) {
	// GIVEN the same table with and without thermal broadening
	p := smallParams()
	p.NChan = 2000
	p.ThermalBroadening = false
	narrow, err := Build(context.Background(), p, ThermalPlasma{}, 0)
	require.NoError(t, err)
	p.ThermalBroadening = true
	broad, err := Build(context.Background(), p, ThermalPlasma{}, 0)
	require.NoError(t, err)

	// THEN total emission is conserved to within line tails
	a, err := narrow.Integrated(5, 1)
	require.NoError(t, err)
	b, err := broad.Integrated(5, 1)
	require.NoError(t, err)
	testutil.AssertFloat64Equal(t, "integrated", a, b, 1e-3)

	// AND metals add emission
	z0, err := broad.Integrated(5, 0)
	require.NoError(t, err)
	assert.Greater(t, b, z0)
}

func TestLoadTabulatedProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apec.csv")
	csv := "kt,energy,continuum,metals\n" +
		"1,1,1,0\n1,2,3,0\n" +
		"2,1,2,1\n2,2,4,1\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	p, err := LoadTabulatedProvider(path)
	require.NoError(t, err)
	assert.Regexp(t, `^tabulated:apec\.csv@[0-9a-f]{16}$`, p.Name())

	c, m := p.Emissivity(1, 1.5)
	assert.InDelta(t, 2.0, c, 1e-12)
	assert.InDelta(t, 0.0, m, 1e-12)

	c, m = p.Emissivity(2, 2)
	assert.InDelta(t, 4.0, c, 1e-12)
	assert.InDelta(t, 1.0, m, 1e-12)

	// Beyond the grid the nearest edge is used
	c, _ = p.Emissivity(5, 9)
	assert.InDelta(t, 4.0, c, 1e-12)
}

func TestLoadTabulatedProvider_FormatErrors(t *testing.T) {
	tests := map[string]string{
		"missing point": "kt,energy,continuum,metals\n1,1,1,0\n1,2,1,0\n2,1,1,0\n",
		"duplicate":     "kt,energy,continuum,metals\n1,1,1,0\n1,1,1,0\n2,1,1,0\n2,2,1,0\n1,2,1,0\n2,2,1,0\n",
		"negative":      "kt,energy,continuum,metals\n1,1,-1,0\n1,2,1,0\n2,1,1,0\n2,2,1,0\n",
		"not a number":  "kt,energy,continuum,metals\n1,1,x,0\n",
		"header only":   "kt,energy,continuum,metals\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "t.csv")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadTabulatedProvider(path)
			var formatErr *sim.FormatError
			assert.ErrorAs(t, err, &formatErr)
		})
	}
}
