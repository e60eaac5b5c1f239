package sky

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"

	"github.com/inference-sim/xraysim/sim"
)

// AbsorptionModel gives the probability that a photon of the given
// observed energy (keV) survives the foreground column.
type AbsorptionModel interface {
	Name() string
	Survival(energy float64) float64
}

// NoAbsorption transmits every photon.
type NoAbsorption struct{}

func (NoAbsorption) Name() string             { return "none" }
func (NoAbsorption) Survival(float64) float64 { return 1 }

// Opaque absorbs every photon.
type Opaque struct{}

func (Opaque) Name() string             { return "opaque" }
func (Opaque) Survival(float64) float64 { return 0 }

// nHUnit converts nH from 10²² cm⁻² to cm⁻².
const nHUnit = 1e22

// sigmaAt1keV is the effective photoelectric cross-section per hydrogen
// atom at 1 keV for solar abundances, cm².
const sigmaAt1keV = 2.0e-22

// PowerLawAbsorption approximates a photoelectric column with
// σ(E) = σ₁·E^-8/3.
type PowerLawAbsorption struct {
	NH float64 // 10²² cm⁻²
}

func (PowerLawAbsorption) Name() string { return "powerlaw" }

func (a PowerLawAbsorption) Survival(energy float64) float64 {
	if !(energy > 0) {
		return 0
	}
	tau := a.NH * nHUnit * sigmaAt1keV * math.Pow(energy, -8.0/3.0)
	return math.Exp(-tau)
}

// TabulatedAbsorption interpolates a cross-section table log-log. Outside
// the table the end values are held.
type TabulatedAbsorption struct {
	NH    float64 // 10²² cm⁻²
	curve interp.PiecewiseLinear
}

func (*TabulatedAbsorption) Name() string { return "tabulated" }

func (a *TabulatedAbsorption) Survival(energy float64) float64 {
	if !(energy > 0) {
		return 0
	}
	sigma := math.Exp(a.curve.Predict(math.Log(energy)))
	return math.Exp(-a.NH * nHUnit * sigma)
}

// LoadTabulatedAbsorption reads a CSV with columns energy (keV) and sigma
// (cm² per H atom), energies strictly increasing.
func LoadTabulatedAbsorption(path string, nH float64) (*TabulatedAbsorption, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening absorption table: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2
	reader.Comment = '#'
	var xs, ys []float64
	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &sim.FormatError{Path: path, Err: err}
		}
		e, errE := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		s, errS := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if line == 1 && (errE != nil || errS != nil) {
			continue // header row
		}
		if errE != nil || errS != nil || !(e > 0) || !(s > 0) || math.IsInf(e, 0) || math.IsInf(s, 0) {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: energy and sigma must be positive numbers", line)}
		}
		if len(xs) > 0 && math.Log(e) <= xs[len(xs)-1] {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: energies must be strictly increasing", line)}
		}
		xs = append(xs, math.Log(e))
		ys = append(ys, math.Log(s))
	}
	if len(xs) < 2 {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("need at least 2 rows, got %d", len(xs))}
	}
	a := &TabulatedAbsorption{NH: nH}
	if err := a.curve.Fit(xs, ys); err != nil {
		return nil, &sim.FormatError{Path: path, Err: err}
	}
	return a, nil
}

// NewAbsorptionModel builds a model by name: "none", "opaque", "powerlaw"
// or "tabulated" (which reads table). nH is in 10²² cm⁻²; a zero column
// transmits everything.
func NewAbsorptionModel(name string, nH float64, table string) (AbsorptionModel, error) {
	if err := sim.ValidateFiniteNonNegative("nh", nH); err != nil {
		return nil, err
	}
	switch name {
	case "none", "":
		return NoAbsorption{}, nil
	case "opaque":
		return Opaque{}, nil
	case "powerlaw":
		if nH == 0 {
			return NoAbsorption{}, nil
		}
		return PowerLawAbsorption{NH: nH}, nil
	case "tabulated":
		if nH == 0 {
			return NoAbsorption{}, nil
		}
		return LoadTabulatedAbsorption(table, nH)
	default:
		return nil, fmt.Errorf("unknown absorption model %q", name)
	}
}
