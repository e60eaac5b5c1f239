package response

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"
)

// EffectiveArea gives the collecting area of the telescope at an energy.
type EffectiveArea interface {
	// At returns the area in cm² at energy (keV); zero outside the
	// calibrated range.
	At(energy float64) float64
	// Max returns the peak area in cm².
	Max() float64
}

// AreaCurve is a piecewise-linear effective-area curve.
type AreaCurve struct {
	lo, hi float64
	peak   float64
	curve  interp.PiecewiseLinear
}

// NewAreaCurve fits a curve through (energy, area) points; energies must be
// strictly increasing and areas non-negative.
func NewAreaCurve(energy, area []float64) (*AreaCurve, error) {
	if len(energy) != len(area) {
		return nil, fmt.Errorf("energy has %d points, area has %d", len(energy), len(area))
	}
	if len(energy) < 2 {
		return nil, errors.New("need at least 2 points")
	}
	peak := 0.0
	for i := range energy {
		if i > 0 && !(energy[i] > energy[i-1]) {
			return nil, fmt.Errorf("energies must be strictly increasing at point %d", i)
		}
		if !(area[i] >= 0) || math.IsInf(area[i], 0) {
			return nil, fmt.Errorf("invalid area %g at point %d", area[i], i)
		}
		peak = math.Max(peak, area[i])
	}
	c := &AreaCurve{lo: energy[0], hi: energy[len(energy)-1], peak: peak}
	if err := c.curve.Fit(energy, area); err != nil {
		return nil, err
	}
	return c, nil
}

// At implements EffectiveArea.
func (c *AreaCurve) At(energy float64) float64 {
	if energy < c.lo || energy > c.hi {
		return 0
	}
	return c.curve.Predict(energy)
}

// Max implements EffectiveArea.
func (c *AreaCurve) Max() float64 { return c.peak }

func loadArea(spec AreaSpec, dir string) (*AreaCurve, error) {
	switch {
	case spec.File != "" && len(spec.Energy) > 0:
		return nil, errors.New("give either file or inline energy/area, not both")
	case spec.File != "":
		energy, area, err := readPairs(resolve(dir, spec.File))
		if err != nil {
			return nil, err
		}
		return NewAreaCurve(energy, area)
	case len(spec.Energy) > 0:
		return NewAreaCurve(spec.Energy, spec.Area)
	default:
		return nil, errors.New("no effective area given")
	}
}

// readPairs reads a two-column numeric CSV. A non-numeric first row is
// taken as a header; lines starting with # are comments.
func readPairs(path string) (xs, ys []float64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2
	reader.Comment = '#'
	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if errX != nil || errY != nil {
			if line == 1 {
				continue
			}
			return nil, nil, fmt.Errorf("%s: row %d is not numeric", path, line)
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	return xs, ys, nil
}
