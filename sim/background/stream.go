package background

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/inference-sim/xraysim/sim"
)

// StreamVersion is the stream header version written by this package.
const StreamVersion = 1

// Event is one background count on the detector.
type Event struct {
	DetX      int
	DetY      int
	Channel   int
	Time      float64 // s
	Component string
}

// Header records what a stream was generated for.
type Header struct {
	Version      int        `yaml:"background_version"`
	RunID        string     `yaml:"run_id"`
	Seed         int64      `yaml:"seed"`
	Instrument   string     `yaml:"instrument"`
	ExposureTime float64    `yaml:"exposure_time"`
	SkyCenter    [2]float64 `yaml:"sky_center"`
	Flags        Flags      `yaml:"flags"`
	Events       int        `yaml:"events"`
}

// Stream is a time-ordered background event stream. A loaded stream may be
// shared by concurrent consumers and must not be modified.
type Stream struct {
	Header Header
	Events []Event
}

// Until returns a copy of the events with Time < t.
func (s *Stream) Until(t float64) []Event {
	n := sort.Search(len(s.Events), func(i int) bool { return !(s.Events[i].Time < t) })
	out := make([]Event, n)
	copy(out, s.Events[:n])
	return out
}

// StreamPaths returns the header and row file paths for base.
func StreamPaths(base string) sim.ArtifactPaths {
	return sim.PathsFor(base, "bkg")
}

var streamColumns = []string{"detx", "dety", "channel", "time", "component"}

// WriteStream persists s, rows first and header last.
func WriteStream(paths sim.ArtifactPaths, s *Stream) error {
	hdr := s.Header
	hdr.Version = StreamVersion
	hdr.Events = len(s.Events)
	err := sim.WriteFileAtomic(paths.Data, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(streamColumns); err != nil {
			return err
		}
		row := make([]string, len(streamColumns))
		for _, ev := range s.Events {
			row[0] = strconv.Itoa(ev.DetX)
			row[1] = strconv.Itoa(ev.DetY)
			row[2] = strconv.Itoa(ev.Channel)
			row[3] = sim.FormatFloat(ev.Time)
			row[4] = ev.Component
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("writing background rows: %w", err)
	}
	if err := sim.WriteHeader(paths.Header, hdr); err != nil {
		return fmt.Errorf("writing background header: %w", err)
	}
	return nil
}

// ReadStream loads a stream written by WriteStream. The rows must be
// time-ordered.
func ReadStream(paths sim.ArtifactPaths) (*Stream, error) {
	var hdr Header
	if err := sim.ReadHeader(paths.Header, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != StreamVersion {
		return nil, &sim.FormatError{Path: paths.Header, Err: fmt.Errorf("unsupported background version %d", hdr.Version)}
	}
	file, err := os.Open(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("opening background rows: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(streamColumns)
	header, err := reader.Read()
	if err != nil {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("reading column header: %w", err)}
	}
	if strings.Join(header, ",") != strings.Join(streamColumns, ",") {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("columns %v, want %v", header, streamColumns)}
	}

	s := &Stream{Header: hdr, Events: make([]Event, 0, max(0, min(hdr.Events, 1<<20)))}
	line := 1
	prev := math.Inf(-1)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: %w", line, err)}
		}
		ev, err := parseEvent(row)
		if err != nil {
			return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: %w", line, err)}
		}
		if ev.Time < prev {
			return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: events out of time order", line)}
		}
		prev = ev.Time
		s.Events = append(s.Events, ev)
	}
	if len(s.Events) != hdr.Events {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("header declares %d events, file has %d", hdr.Events, len(s.Events))}
	}
	return s, nil
}

func parseEvent(row []string) (Event, error) {
	var ev Event
	var err error
	if ev.DetX, err = strconv.Atoi(row[0]); err != nil {
		return ev, fmt.Errorf("detx: %w", err)
	}
	if ev.DetY, err = strconv.Atoi(row[1]); err != nil {
		return ev, fmt.Errorf("dety: %w", err)
	}
	if ev.Channel, err = strconv.Atoi(row[2]); err != nil {
		return ev, fmt.Errorf("channel: %w", err)
	}
	if ev.Time, err = strconv.ParseFloat(row[3], 64); err != nil || math.IsNaN(ev.Time) || math.IsInf(ev.Time, 0) {
		return ev, fmt.Errorf("invalid time %q", row[3])
	}
	ev.Component = row[4]
	return ev, nil
}
