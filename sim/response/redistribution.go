package response

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/xraysim/sim/sampling"
)

// Redistribution maps a true photon energy to a detector channel.
// Channel always returns a value in [0, Channels()).
type Redistribution interface {
	Channels() int
	Channel(rng *rand.Rand, energy float64) int
}

// fwhmToSigma converts a Gaussian FWHM to its standard deviation.
const fwhmToSigma = 1 / 2.354820045

// GaussianResponse has linear channels over [EMin, EMax] and a Gaussian
// resolution whose FWHM scales as sqrt(E/ReferenceEnergy).
type GaussianResponse struct {
	NumChannels     int
	EMin, EMax      float64
	FWHM            float64 // keV at ReferenceEnergy
	ReferenceEnergy float64
}

// Channels implements Redistribution.
func (g GaussianResponse) Channels() int { return g.NumChannels }

// Channel implements Redistribution. Measured energies outside the band
// land in the first or last channel.
func (g GaussianResponse) Channel(rng *rand.Rand, energy float64) int {
	sigma := 0.0
	if g.FWHM > 0 && energy > 0 {
		sigma = g.FWHM * fwhmToSigma * math.Sqrt(energy/g.ReferenceEnergy)
	}
	measured := sampling.Normal(rng, energy, sigma)
	return g.channelOf(measured)
}

func (g GaussianResponse) channelOf(e float64) int {
	switch {
	case math.IsNaN(e) || e <= g.EMin:
		return 0
	case e >= g.EMax:
		return g.NumChannels - 1
	}
	ch := int(math.Floor((e - g.EMin) / (g.EMax - g.EMin) * float64(g.NumChannels)))
	return clampChannel(ch, g.NumChannels)
}

func clampChannel(ch, n int) int {
	switch {
	case ch < 0:
		return 0
	case ch >= n:
		return n - 1
	default:
		return ch
	}
}

// MatrixResponse is a tabulated redistribution matrix: one row per true
// energy bin, each a probability vector over channels.
type MatrixResponse struct {
	channels int
	lo, hi   []float64   // true energy bin edges per row
	cdf      [][]float64 // cumulative channel probabilities per row
}

// NewMatrixResponse builds a matrix from contiguous energy rows. Each row
// must have channels non-negative entries with a positive sum.
func NewMatrixResponse(channels int, lo, hi []float64, rows [][]float64) (*MatrixResponse, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	if len(rows) == 0 || len(lo) != len(rows) || len(hi) != len(rows) {
		return nil, errors.New("matrix needs at least one row with matching energy bounds")
	}
	m := &MatrixResponse{channels: channels, lo: lo, hi: hi, cdf: make([][]float64, len(rows))}
	for i, row := range rows {
		if len(row) != channels {
			return nil, fmt.Errorf("row %d has %d channels, want %d", i, len(row), channels)
		}
		if !(hi[i] > lo[i]) || (i > 0 && lo[i] < hi[i-1]) {
			return nil, fmt.Errorf("row %d: energy bins must be increasing and non-overlapping", i)
		}
		for j, p := range row {
			if !(p >= 0) || math.IsInf(p, 0) {
				return nil, fmt.Errorf("row %d channel %d: invalid probability %g", i, j, p)
			}
		}
		cdf := floats.CumSum(make([]float64, channels), row)
		if !(cdf[channels-1] > 0) {
			return nil, fmt.Errorf("row %d has zero total probability", i)
		}
		m.cdf[i] = cdf
	}
	return m, nil
}

// Channels implements Redistribution.
func (m *MatrixResponse) Channels() int { return m.channels }

// Channel implements Redistribution. Energies outside the matrix use the
// nearest row.
func (m *MatrixResponse) Channel(rng *rand.Rand, energy float64) int {
	row := sort.SearchFloat64s(m.hi, energy)
	if row >= len(m.hi) {
		row = len(m.hi) - 1
	}
	cdf := m.cdf[row]
	ch := sampling.SearchCumulative(cdf, rng.Float64()*cdf[len(cdf)-1])
	return clampChannel(ch, m.channels)
}

// LoadMatrix reads a matrix CSV: each row is energy_lo, energy_hi followed
// by one probability per channel. Lines starting with # are comments.
func LoadMatrix(path string, channels int) (*MatrixResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = channels + 2
	reader.Comment = '#'
	reader.ReuseRecord = true
	var lo, hi []float64
	var rows [][]float64
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		vals := make([]float64, len(rec))
		for j, f := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d column %d: %w", path, line, j+1, err)
			}
			vals[j] = v
		}
		lo = append(lo, vals[0])
		hi = append(hi, vals[1])
		rows = append(rows, vals[2:])
	}
	return NewMatrixResponse(channels, lo, hi, rows)
}
