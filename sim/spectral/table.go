package spectral

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/sampling"
)

// OffGridPolicy selects the behaviour of lookups outside the table.
type OffGridPolicy string

const (
	// OffGridClamp maps off-grid temperatures and energies onto the nearest
	// valid row or bin and reports the clamp.
	OffGridClamp OffGridPolicy = "clamp"
	// OffGridFail returns a RangeError for off-grid lookups.
	OffGridFail OffGridPolicy = "fail"
)

// amuKeV is the atomic mass unit rest energy in keV.
const amuKeV = 931494.10242

// TableParams fixes the energy and temperature grids of a table.
type TableParams struct {
	EMin              float64       `yaml:"emin"`
	EMax              float64       `yaml:"emax"`
	NChan             int           `yaml:"nchan"`
	KTMin             float64       `yaml:"kt_min"`
	KTMax             float64       `yaml:"kt_max"`
	NKT               int           `yaml:"n_kt"`
	ThermalBroadening bool          `yaml:"thermal_broadening"`
	OffGrid           OffGridPolicy `yaml:"off_grid"`
}

// ParamsFromConfig converts the pipeline's spectrum section.
func ParamsFromConfig(c sim.SpectrumConfig) TableParams {
	return TableParams{
		EMin: c.EMin, EMax: c.EMax, NChan: c.NChan,
		KTMin: c.KTMin, KTMax: c.KTMax, NKT: c.NKT,
		ThermalBroadening: c.ThermalBroadening,
		OffGrid:           OffGridPolicy(c.OffGrid),
	}
}

// Validate checks grid bounds and counts.
func (p TableParams) Validate() error {
	if err := sim.ValidateFinitePositive("emin", p.EMin); err != nil {
		return err
	}
	if err := sim.ValidateFinitePositive("emax", p.EMax); err != nil {
		return err
	}
	if err := sim.ValidateOrdered("emin", p.EMin, p.EMax); err != nil {
		return err
	}
	if err := sim.ValidateCount("nchan", p.NChan); err != nil {
		return err
	}
	if err := sim.ValidateFinitePositive("kt_min", p.KTMin); err != nil {
		return err
	}
	if err := sim.ValidateFinitePositive("kt_max", p.KTMax); err != nil {
		return err
	}
	if err := sim.ValidateOrdered("kt_min", p.KTMin, p.KTMax); err != nil {
		return err
	}
	if err := sim.ValidateCount("n_kt", p.NKT); err != nil {
		return err
	}
	switch p.OffGrid {
	case "", OffGridClamp, OffGridFail:
	default:
		return fmt.Errorf("unknown off-grid policy %q; valid: clamp, fail", p.OffGrid)
	}
	return nil
}

// Table is an immutable grid of per-bin photon emissivity (photons per unit
// emission measure) versus temperature and energy. Rows are stored as
// cumulative sums so that energy sampling is a binary search.
//
// Thread-safety: all methods are read-only and safe for concurrent use.
type Table struct {
	params TableParams
	model  string
	edges  []float64 // NChan+1 energy bin edges, keV
	kT     []float64 // NKT temperatures, keV, log-spaced
	logKT  []float64
	cont   []float64 // NKT*NChan cumulative continuum, row-major
	metals []float64 // NKT*NChan cumulative metal emission, row-major
}

// Build evaluates provider over the grid. Rows are independent and built on
// up to workers goroutines (workers <= 0 means one per row).
func Build(ctx context.Context, params TableParams, provider EmissivityProvider, workers int) (*Table, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.OffGrid == "" {
		params.OffGrid = OffGridClamp
	}
	t := newEmptyTable(params, provider.Name())

	lines, _ := provider.(LineEmitter)
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range t.kT {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return t.fillRow(i, provider, lines)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

func newEmptyTable(params TableParams, model string) *Table {
	t := &Table{
		params: params,
		model:  model,
		edges:  make([]float64, params.NChan+1),
		kT:     make([]float64, params.NKT),
		logKT:  make([]float64, params.NKT),
		cont:   make([]float64, params.NKT*params.NChan),
		metals: make([]float64, params.NKT*params.NChan),
	}
	de := (params.EMax - params.EMin) / float64(params.NChan)
	for j := range t.edges {
		t.edges[j] = params.EMin + float64(j)*de
	}
	t.edges[params.NChan] = params.EMax
	lo, hi := math.Log(params.KTMin), math.Log(params.KTMax)
	for i := range t.kT {
		if params.NKT == 1 {
			t.logKT[i] = lo
		} else {
			t.logKT[i] = lo + float64(i)*(hi-lo)/float64(params.NKT-1)
		}
		t.kT[i] = math.Exp(t.logKT[i])
	}
	t.kT[0], t.logKT[0] = params.KTMin, lo
	if params.NKT > 1 {
		t.kT[params.NKT-1], t.logKT[params.NKT-1] = params.KTMax, hi
	}
	return t
}

// fillRow evaluates row i and converts it to cumulative form in place.
func (t *Table) fillRow(i int, provider EmissivityProvider, lines LineEmitter) error {
	n := t.params.NChan
	kT := t.kT[i]
	cont := t.cont[i*n : (i+1)*n]
	metals := t.metals[i*n : (i+1)*n]
	for j := 0; j < n; j++ {
		lo, hi := t.edges[j], t.edges[j+1]
		c, m := provider.Emissivity(kT, 0.5*(lo+hi))
		if !validEmissivity(c) || !validEmissivity(m) {
			return fmt.Errorf("provider %s returned invalid emissivity (%g, %g) at kT=%g E=%g",
				provider.Name(), c, m, kT, 0.5*(lo+hi))
		}
		cont[j] = c * (hi - lo)
		metals[j] = m * (hi - lo)
	}
	if lines != nil {
		for _, l := range lines.Lines(kT) {
			if !validEmissivity(l.Emissivity) {
				return fmt.Errorf("provider %s returned invalid line emissivity %g at %g keV", provider.Name(), l.Emissivity, l.Energy)
			}
			dst := cont
			if l.Metal {
				dst = metals
			}
			t.depositLine(dst, l, kT)
		}
	}
	floats.CumSum(cont, cont)
	floats.CumSum(metals, metals)
	return nil
}

// depositLine adds one line to a row of per-bin values. With thermal
// broadening the line is a Gaussian of width E₀·sqrt(kT/(A·m_u c²))
// integrated over each bin; otherwise it lands in the bin containing E₀.
func (t *Table) depositLine(row []float64, l Line, kT float64) {
	sigma := 0.0
	if t.params.ThermalBroadening && l.AtomicMass > 0 {
		sigma = l.Energy * math.Sqrt(kT/(l.AtomicMass*amuKeV))
	}
	if sigma < 1e-3*t.binWidth() {
		if j := t.binOf(l.Energy); j >= 0 {
			row[j] += l.Emissivity
		}
		return
	}
	if l.Energy+6*sigma < t.params.EMin || l.Energy-6*sigma > t.params.EMax {
		return
	}
	lo := t.binOf(max(l.Energy-6*sigma, t.params.EMin))
	hi := t.binOf(min(l.Energy+6*sigma, t.params.EMax))
	norm := math.Sqrt2 * sigma
	for j := lo; j <= hi; j++ {
		frac := 0.5 * (math.Erf((t.edges[j+1]-l.Energy)/norm) - math.Erf((t.edges[j]-l.Energy)/norm))
		row[j] += l.Emissivity * frac
	}
}

func (t *Table) binWidth() float64 {
	return (t.params.EMax - t.params.EMin) / float64(t.params.NChan)
}

// binOf returns the bin containing e, or -1 outside [EMin, EMax].
func (t *Table) binOf(e float64) int {
	if e < t.params.EMin || e > t.params.EMax {
		return -1
	}
	j := int((e - t.params.EMin) / t.binWidth())
	if j >= t.params.NChan {
		j = t.params.NChan - 1
	}
	return j
}

func validEmissivity(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Params returns the grid parameters.
func (t *Table) Params() TableParams { return t.params }

// Model returns the name of the provider the table was built from.
func (t *Table) Model() string { return t.model }

// Edges returns a copy of the NChan+1 energy bin edges in keV.
func (t *Table) Edges() []float64 { return append([]float64(nil), t.edges...) }

// Temperatures returns a copy of the temperature grid in keV.
func (t *Table) Temperatures() []float64 { return append([]float64(nil), t.kT...) }

// RowWeights locates a temperature between two table rows.
// The interpolation rule is linear in ln(kT): WLo+WHi == 1.
type RowWeights struct {
	Lo, Hi   int
	WLo, WHi float64
	Clamped  bool
}

// Interpolate returns the row weights for kT (keV). Temperatures outside
// the grid are clamped to the nearest row (Clamped=true) or rejected with a
// RangeError, per the table's off-grid policy. Non-positive or non-finite
// temperatures are always rejected.
func (t *Table) Interpolate(kT float64) (RowWeights, error) {
	if math.IsNaN(kT) || math.IsInf(kT, 0) || kT <= 0 {
		return RowWeights{}, &sim.RangeError{Param: "kT", Value: kT, Reason: "must be a positive finite temperature"}
	}
	n := len(t.kT)
	last := n - 1
	switch {
	case kT < t.kT[0] || kT > t.kT[last]:
		if t.params.OffGrid == OffGridFail {
			return RowWeights{}, &sim.RangeError{Param: "kT", Value: kT,
				Reason: fmt.Sprintf("outside table range [%g, %g] keV", t.kT[0], t.kT[last])}
		}
		row := 0
		if kT > t.kT[last] {
			row = last
		}
		return RowWeights{Lo: row, Hi: row, WLo: 1, Clamped: true}, nil
	case n == 1:
		return RowWeights{Lo: 0, Hi: 0, WLo: 1}, nil
	}
	x := (math.Log(kT) - t.logKT[0]) / (t.logKT[last] - t.logKT[0]) * float64(last)
	i := int(math.Floor(x))
	if i >= last {
		i = last - 1
	}
	if i < 0 {
		i = 0
	}
	f := x - float64(i)
	f = math.Min(1, math.Max(0, f))
	return RowWeights{Lo: i, Hi: i + 1, WLo: 1 - f, WHi: f}, nil
}

func (t *Table) rowTotal(cum []float64, row int) float64 {
	n := t.params.NChan
	return cum[(row+1)*n-1]
}

func (t *Table) binValue(cum []float64, row, j int) float64 {
	n := t.params.NChan
	v := cum[row*n+j]
	if j > 0 {
		v -= cum[row*n+j-1]
	}
	return v
}

// IntegratedAt returns the total photon emissivity over the energy grid for
// the interpolated temperature and metallicity z (solar units).
func (t *Table) IntegratedAt(w RowWeights, z float64) float64 {
	z = math.Max(z, 0)
	lo := t.rowTotal(t.cont, w.Lo) + z*t.rowTotal(t.metals, w.Lo)
	hi := 0.0
	if w.WHi > 0 {
		hi = t.rowTotal(t.cont, w.Hi) + z*t.rowTotal(t.metals, w.Hi)
	}
	return w.WLo*lo + w.WHi*hi
}

// Integrated is IntegratedAt for a temperature in keV.
func (t *Table) Integrated(kT, z float64) (float64, error) {
	w, err := t.Interpolate(kT)
	if err != nil {
		return 0, err
	}
	return t.IntegratedAt(w, z), nil
}

// Lookup returns the interpolated emissivity density (per keV) at kT and
// energy for metallicity z. Off-grid energies follow the off-grid policy.
func (t *Table) Lookup(kT, energy, z float64) (float64, error) {
	w, err := t.Interpolate(kT)
	if err != nil {
		return 0, err
	}
	j := t.binOf(energy)
	if j < 0 {
		if t.params.OffGrid == OffGridFail || math.IsNaN(energy) {
			return 0, &sim.RangeError{Param: "energy", Value: energy,
				Reason: fmt.Sprintf("outside table range [%g, %g] keV", t.params.EMin, t.params.EMax)}
		}
		j = 0
		if energy > t.params.EMax {
			j = t.params.NChan - 1
		}
	}
	return t.binAt(w, j, z) / (t.edges[j+1] - t.edges[j]), nil
}

func (t *Table) binAt(w RowWeights, j int, z float64) float64 {
	z = math.Max(z, 0)
	v := w.WLo * (t.binValue(t.cont, w.Lo, j) + z*t.binValue(t.metals, w.Lo, j))
	if w.WHi > 0 {
		v += w.WHi * (t.binValue(t.cont, w.Hi, j) + z*t.binValue(t.metals, w.Hi, j))
	}
	return v
}

// Spectrum returns the per-bin photon emissivity at kT for metallicity z.
func (t *Table) Spectrum(kT, z float64) ([]float64, error) {
	w, err := t.Interpolate(kT)
	if err != nil {
		return nil, err
	}
	out := make([]float64, t.params.NChan)
	for j := range out {
		out[j] = t.binAt(w, j, z)
	}
	return out, nil
}

// SampleEnergy draws a rest-frame photon energy (keV) from the interpolated
// spectrum. The spectrum is a non-negative mixture of four cumulative rows
// (two temperatures × continuum/metals), so a component is chosen by its
// weight and the energy is drawn from that row by inverse transform,
// uniformly within the selected bin. Returns NaN for an all-zero spectrum.
func (t *Table) SampleEnergy(rng *rand.Rand, w RowWeights, z float64) float64 {
	z = math.Max(z, 0)
	n := t.params.NChan
	type component struct {
		cum    []float64
		weight float64
	}
	var comps [4]component
	rows := [2]struct {
		row int
		w   float64
	}{{w.Lo, w.WLo}, {w.Hi, w.WHi}}
	total := 0.0
	for k, r := range rows {
		if r.w <= 0 {
			continue
		}
		c := t.cont[r.row*n : (r.row+1)*n]
		m := t.metals[r.row*n : (r.row+1)*n]
		comps[2*k] = component{c, r.w * c[n-1]}
		comps[2*k+1] = component{m, r.w * z * m[n-1]}
		total += comps[2*k].weight + comps[2*k+1].weight
	}
	if total <= 0 {
		return math.NaN()
	}
	u := rng.Float64() * total
	chosen := comps[0]
	for _, c := range comps {
		if c.weight <= 0 {
			continue
		}
		chosen = c
		if u < c.weight {
			break
		}
		u -= c.weight
	}
	rowTotal := chosen.cum[n-1]
	j := sampling.SearchCumulative(chosen.cum, rng.Float64()*rowTotal)
	return t.edges[j] + rng.Float64()*(t.edges[j+1]-t.edges[j])
}
