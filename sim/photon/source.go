package photon

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/inference-sim/xraysim/sim"
)

// BoltzmannKeV is k_B in keV/K.
const BoltzmannKeV = 8.617333262e-8

// KTFromKelvin converts a temperature in K to kT in keV.
func KTFromKelvin(t float64) float64 { return BoltzmannKeV * t }

// Element is one discrete emitting element of a source region: a grid cell
// or a fluid particle, already selected by the data source.
type Element struct {
	Position        r3.Vec  // kpc
	Size            float64 // kpc, edge of the cube photons are spread over
	Temperature     float64 // K
	EmissionMeasure float64 // flux-normalized (XSPEC norm convention)
	Metallicity     float64 // solar units
}

// SourceRegion is a read-only set of emitting elements.
type SourceRegion struct {
	ID       string
	Elements []Element
}

// regionColumns is the header row of a region export.
var regionColumns = []string{"x", "y", "z", "size", "temperature", "emission_measure", "metallicity"}

// LoadRegionCSV reads a region exported by the data-source layer. The
// region ID defaults to the file's base name without extension.
func LoadRegionCSV(path string) (*SourceRegion, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source region: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("reading header: %w", err)}
	}
	if len(header) < len(regionColumns) {
		return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("header has %d columns, want %v", len(header), regionColumns)}
	}
	for i, want := range regionColumns {
		if strings.TrimSpace(strings.ToLower(header[i])) != want {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("column %d is %q, want %q", i+1, header[i], want)}
		}
	}

	region := &SourceRegion{ID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: %w", line, err)}
		}
		var vals [7]float64
		for j := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[j]), 64)
			// Non-finite emission measures are kept; the sampler skips them.
			if err != nil || (j != 5 && (math.IsInf(v, 0) || math.IsNaN(v))) {
				return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: invalid %s %q", line, regionColumns[j], row[j])}
			}
			vals[j] = v
		}
		if vals[3] < 0 {
			return nil, &sim.FormatError{Path: path, Err: fmt.Errorf("row %d: negative size %g", line, vals[3])}
		}
		region.Elements = append(region.Elements, Element{
			Position:        r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]},
			Size:            vals[3],
			Temperature:     vals[4],
			EmissionMeasure: vals[5],
			Metallicity:     vals[6],
		})
	}
	return region, nil
}
