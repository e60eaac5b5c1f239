package spectral

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/inference-sim/xraysim/sim"
)

// TabulatedProvider serves emissivities from a regular (kT, energy) grid
// exported by an external atomic database. Values are interpolated
// bilinearly in (ln kT, energy) and clamped at the grid edges.
type TabulatedProvider struct {
	name     string
	logKT    []float64 // sorted
	energies []float64 // sorted
	cont     []float64 // len(logKT) * len(energies), row-major by kT
	metals   []float64
}

// LoadTabulatedProvider reads a CSV with header kt,energy,continuum,metals.
// Every (kt, energy) combination of the grid must be present exactly once.
// The provider name carries a digest of the file contents, so tables built
// from different files never share a cache key.
func LoadTabulatedProvider(path string) (*TabulatedProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open emissivity table: %w", err)
	}
	digest := sha256.Sum256(raw)

	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, &sim.FormatError{Path: path, Err: err}
	}
	if len(records) < 2 {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("emissivity CSV empty or missing header")}
	}

	type row struct{ kT, e, c, m float64 }
	rows := make([]row, 0, len(records)-1)
	kTSet := map[float64]bool{}
	eSet := map[float64]bool{}
	for i, record := range records[1:] { // Skip header
		if len(record) < 4 {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: expected 4 columns", i+2)}
		}
		var vals [4]float64
		for j := range vals {
			v, err := strconv.ParseFloat(record[j], 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d column %d: invalid number %q", i+2, j+1, record[j])}
			}
			vals[j] = v
		}
		if vals[0] <= 0 || vals[1] <= 0 || vals[2] < 0 || vals[3] < 0 {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: temperatures and energies must be positive, emissivities non-negative", i+2)}
		}
		rows = append(rows, row{vals[0], vals[1], vals[2], vals[3]})
		kTSet[vals[0]] = true
		eSet[vals[1]] = true
	}

	kTs := sortedKeys(kTSet)
	es := sortedKeys(eSet)
	if len(kTs) < 2 || len(es) < 2 {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("grid needs at least 2 temperatures and 2 energies")}
	}
	if len(rows) != len(kTs)*len(es) {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("irregular grid: %d rows for %d×%d points", len(rows), len(kTs), len(es))}
	}

	p := &TabulatedProvider{
		name:     "tabulated:" + filepath.Base(path) + "@" + hex.EncodeToString(digest[:8]),
		logKT:    make([]float64, len(kTs)),
		energies: es,
		cont:     make([]float64, len(rows)),
		metals:   make([]float64, len(rows)),
	}
	for i, kT := range kTs {
		p.logKT[i] = math.Log(kT)
	}
	seen := make([]bool, len(rows))
	for _, r := range rows {
		i := sort.SearchFloat64s(kTs, r.kT)
		j := sort.SearchFloat64s(es, r.e)
		k := i*len(es) + j
		if seen[k] {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("duplicate grid point kt=%g energy=%g", r.kT, r.e)}
		}
		seen[k] = true
		p.cont[k] = r.c
		p.metals[k] = r.m
	}
	return p, nil
}

// Name implements EmissivityProvider.
func (p *TabulatedProvider) Name() string { return p.name }

// Emissivity implements EmissivityProvider.
func (p *TabulatedProvider) Emissivity(kT, energy float64) (continuum, metals float64) {
	if kT <= 0 {
		return 0, 0
	}
	i, fi := bracket(p.logKT, math.Log(kT))
	j, fj := bracket(p.energies, energy)
	n := len(p.energies)
	at := func(vals []float64) float64 {
		v00 := vals[i*n+j]
		v01 := vals[i*n+j+1]
		v10 := vals[(i+1)*n+j]
		v11 := vals[(i+1)*n+j+1]
		return (1-fi)*((1-fj)*v00+fj*v01) + fi*((1-fj)*v10+fj*v11)
	}
	return at(p.cont), at(p.metals)
}

// bracket returns the lower index and fractional position of x within the
// sorted grid, clamped to the first and last intervals.
func bracket(grid []float64, x float64) (int, float64) {
	n := len(grid)
	if x <= grid[0] {
		return 0, 0
	}
	if x >= grid[n-1] {
		return n - 2, 1
	}
	i := sort.SearchFloat64s(grid, x) - 1
	if i < 0 {
		i = 0
	}
	return i, (x - grid[i]) / (grid[i+1] - grid[i])
}

func sortedKeys(set map[float64]bool) []float64 {
	keys := make([]float64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}
