package sky

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/inference-sim/xraysim/sim"
)

// CatalogVersion is the catalog header version written by this package.
const CatalogVersion = 1

// SkyEvent is one projected photon.
type SkyEvent struct {
	RA     float64 // deg, [0, 360)
	Dec    float64 // deg
	Energy float64 // keV, observed frame
	Time   float64 // s
}

// CatalogHeader records the provenance of a catalog.
type CatalogHeader struct {
	Version      int        `yaml:"catalog_version"`
	RunID        string     `yaml:"run_id"`
	Seed         int64      `yaml:"seed"`
	SourceID     string     `yaml:"source_id"`
	SkyCenter    [2]float64 `yaml:"sky_center"` // RA, Dec degrees
	Axis         string     `yaml:"axis"`
	North        string     `yaml:"north,omitempty"`
	Absorption   string     `yaml:"absorption"`
	NH           float64    `yaml:"nh"` // 10²² cm⁻²
	Redshift     float64    `yaml:"redshift"`
	DistanceMpc  float64    `yaml:"distance_mpc"` // angular-diameter distance used
	Area         float64    `yaml:"area"`          // generating area, cm²
	ExposureTime float64    `yaml:"exposure_time"` // generating exposure, s
	PhotonsIn    int        `yaml:"photons_in"`
	EventsOut    int        `yaml:"events_out"`
}

// Catalog is a sky-projected event catalog, ordered as the photon list it
// came from.
type Catalog struct {
	Header CatalogHeader
	Events []SkyEvent
}

// CatalogPaths returns the header and row file paths for base.
func CatalogPaths(base string) sim.ArtifactPaths {
	return sim.PathsFor(base, "simput")
}

var catalogColumns = []string{"ra", "dec", "energy", "time"}

// WriteCatalog persists cat. Rows are written first and the header last,
// so a present header implies complete rows.
func WriteCatalog(paths sim.ArtifactPaths, cat *Catalog) error {
	hdr := cat.Header
	hdr.Version = CatalogVersion
	hdr.EventsOut = len(cat.Events)
	err := sim.WriteFileAtomic(paths.Data, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(catalogColumns); err != nil {
			return err
		}
		row := make([]string, len(catalogColumns))
		for _, ev := range cat.Events {
			row[0] = sim.FormatFloat(ev.RA)
			row[1] = sim.FormatFloat(ev.Dec)
			row[2] = sim.FormatFloat(ev.Energy)
			row[3] = sim.FormatFloat(ev.Time)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("writing catalog rows: %w", err)
	}
	if err := sim.WriteHeader(paths.Header, hdr); err != nil {
		return fmt.Errorf("writing catalog header: %w", err)
	}
	return nil
}

// ReadCatalog loads a catalog written by WriteCatalog.
func ReadCatalog(paths sim.ArtifactPaths) (*Catalog, error) {
	var hdr CatalogHeader
	if err := sim.ReadHeader(paths.Header, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != CatalogVersion {
		return nil, &sim.FormatError{Path: paths.Header, Err: fmt.Errorf("unsupported catalog version %d", hdr.Version)}
	}

	file, err := os.Open(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("opening catalog rows: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(catalogColumns)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("reading column header: %w", err)}
	}
	if strings.Join(header, ",") != strings.Join(catalogColumns, ",") {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("columns %v, want %v", header, catalogColumns)}
	}

	cat := &Catalog{Header: hdr, Events: make([]SkyEvent, 0, max(0, min(hdr.EventsOut, 1<<20)))}
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: %w", line, err)}
		}
		var vals [4]float64
		for j := range vals {
			v, err := strconv.ParseFloat(row[j], 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: invalid %s %q", line, catalogColumns[j], row[j])}
			}
			vals[j] = v
		}
		cat.Events = append(cat.Events, SkyEvent{RA: vals[0], Dec: vals[1], Energy: vals[2], Time: vals[3]})
	}
	if len(cat.Events) != hdr.EventsOut {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("header declares %d events, file has %d", hdr.EventsOut, len(cat.Events))}
	}
	return cat, nil
}
