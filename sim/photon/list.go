package photon

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/internal/columnar"
)

// FormatVersion is the photon list header version written by this package.
const FormatVersion = 1

var listMagic = [4]byte{'X', 'P', 'H', 'L'}

// Column names of the persisted photon list, in file order.
var listColumns = []string{"x", "y", "z", "energy", "time", "weight"}

// Summary aggregates sampling statistics. Numerical edge cases are
// recorded here instead of aborting the run.
type Summary struct {
	Elements      int     `yaml:"elements"`
	Skipped       int     `yaml:"skipped"` // non-positive or non-finite emission measure
	Clamped       int     `yaml:"clamped"` // temperature outside the table, clamped to the nearest row
	ExpectedCount float64 `yaml:"expected_count"`
	RealizedCount int     `yaml:"realized_count"`
}

// Underflow returns a SamplingUnderflowError when the region contributes no
// expected photons, nil otherwise.
func (s Summary) Underflow() error {
	if s.ExpectedCount > 0 {
		return nil
	}
	return &sim.SamplingUnderflowError{Elements: s.Elements}
}

// Header carries the provenance of a photon list.
type Header struct {
	Version       int        `yaml:"photon_list_version"`
	RunID         string     `yaml:"run_id"`
	Seed          int64      `yaml:"seed"`
	SourceID      string     `yaml:"source_id"`
	Redshift      float64    `yaml:"redshift"`
	Area          float64    `yaml:"area"`          // cm²
	ExposureTime  float64    `yaml:"exposure_time"` // s
	Center        [3]float64 `yaml:"center"`        // kpc
	SpectralModel string     `yaml:"spectral_model"`
	Summary       Summary    `yaml:"summary"`
}

// List is a Monte-Carlo photon list: positions relative to the center
// (kpc), observed-frame energies (keV), emission times (s) and weights.
// All columns have the same length.
type List struct {
	Header Header
	X      []float64
	Y      []float64
	Z      []float64
	Energy []float64
	Time   []float64
	Weight []float64
}

// Len returns the number of photons.
func (l *List) Len() int { return len(l.Energy) }

// Validate checks column lengths and the weight invariant.
func (l *List) Validate() error {
	n := len(l.Energy)
	for name, col := range map[string][]float64{"x": l.X, "y": l.Y, "z": l.Z, "time": l.Time, "weight": l.Weight} {
		if len(col) != n {
			return fmt.Errorf("column %s has %d values, want %d", name, len(col), n)
		}
	}
	for i, w := range l.Weight {
		if !(w > 0) || math.IsInf(w, 0) {
			return fmt.Errorf("photon %d has invalid weight %g", i, w)
		}
	}
	if !(l.Header.Area > 0) || !(l.Header.ExposureTime > 0) {
		return fmt.Errorf("header area (%g) and exposure_time (%g) must be positive", l.Header.Area, l.Header.ExposureTime)
	}
	return nil
}

func (l *List) columns() []columnar.Column {
	return []columnar.Column{
		{Name: "x", Data: l.X}, {Name: "y", Data: l.Y}, {Name: "z", Data: l.Z},
		{Name: "energy", Data: l.Energy}, {Name: "time", Data: l.Time}, {Name: "weight", Data: l.Weight},
	}
}

// Encode writes the list in the columnar container format.
func (l *List) Encode(w io.Writer) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid photon list: %w", err)
	}
	hdr := l.Header
	hdr.Version = FormatVersion
	return columnar.Write(w, listMagic, hdr, l.columns())
}

// Decode reads a list written by Encode.
func Decode(r io.Reader) (*List, error) {
	var hdr Header
	cols, err := columnar.Read(r, listMagic, &hdr)
	if err != nil {
		return nil, err
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported photon list version %d", hdr.Version)
	}
	l := &List{Header: hdr}
	dst := []*[]float64{&l.X, &l.Y, &l.Z, &l.Energy, &l.Time, &l.Weight}
	for i, name := range listColumns {
		data, ok := columnar.Lookup(cols, name)
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		*dst[i] = data
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WriteList persists l to path. The file appears only once fully written.
func WriteList(path string, l *List) error {
	return sim.WriteFileAtomic(path, l.Encode)
}

// ReadList loads a photon list. Structural problems are FormatErrors.
func ReadList(path string) (*List, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening photon list: %w", err)
	}
	defer func() { _ = file.Close() }()
	l, err := Decode(bufio.NewReaderSize(file, 1<<20))
	if err != nil {
		return nil, &sim.FormatError{Path: path, Err: err}
	}
	return l, nil
}
