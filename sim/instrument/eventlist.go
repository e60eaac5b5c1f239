package instrument

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

// EventListVersion is the event list header version written by this
// package.
const EventListVersion = 1

// Origin tags.
const (
	OriginSource     = "source"
	OriginBackground = "background"
)

// DetectorEvent is one detected count.
type DetectorEvent struct {
	DetX    int
	DetY    int
	Channel int
	Time    float64 // s
	Origin  string
}

// EventListHeader records the observation an event list belongs to.
type EventListHeader struct {
	Version          int        `yaml:"event_list_version"`
	RunID            string     `yaml:"run_id"`
	Seed             int64      `yaml:"seed"`
	Instrument       string     `yaml:"instrument"`
	ExposureTime     float64    `yaml:"exposure_time"`
	SkyCenter        [2]float64 `yaml:"sky_center"`
	NumPixels        int        `yaml:"num_pixels"`
	Channels         int        `yaml:"channels"`
	SourceID         string     `yaml:"source_id"`
	SourceEvents     int        `yaml:"source_events"`
	BackgroundEvents int        `yaml:"background_events"`
	// BackgroundSource is "file:<path>" for a precomputed stream,
	// "synthesized" otherwise.
	BackgroundSource string `yaml:"background_source"`
}

// EventList is the time-ordered output of an observation.
type EventList struct {
	Header EventListHeader
	Events []DetectorEvent
}

// EventListPaths returns the header and row file paths for base.
func EventListPaths(base string) sim.ArtifactPaths {
	return sim.PathsFor(base, "evt")
}

var eventColumns = []string{"detx", "dety", "channel", "time", "origin"}

// WriteEventList persists l, rows first and header last.
func WriteEventList(paths sim.ArtifactPaths, l *EventList) error {
	hdr := l.Header
	hdr.Version = EventListVersion
	err := sim.WriteFileAtomic(paths.Data, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(eventColumns); err != nil {
			return err
		}
		row := make([]string, len(eventColumns))
		for _, ev := range l.Events {
			row[0] = strconv.Itoa(ev.DetX)
			row[1] = strconv.Itoa(ev.DetY)
			row[2] = strconv.Itoa(ev.Channel)
			row[3] = sim.FormatFloat(ev.Time)
			row[4] = ev.Origin
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("writing event rows: %w", err)
	}
	if err := sim.WriteHeader(paths.Header, hdr); err != nil {
		return fmt.Errorf("writing event list header: %w", err)
	}
	return nil
}

// ReadEventList loads an event list written by WriteEventList.
func ReadEventList(paths sim.ArtifactPaths) (*EventList, error) {
	var hdr EventListHeader
	if err := sim.ReadHeader(paths.Header, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != EventListVersion {
		return nil, &sim.FormatError{Path: paths.Header, Err: fmt.Errorf("unsupported event list version %d", hdr.Version)}
	}
	file, err := os.Open(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("opening event rows: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(eventColumns)
	header, err := reader.Read()
	if err != nil {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("reading column header: %w", err)}
	}
	if strings.Join(header, ",") != strings.Join(eventColumns, ",") {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("columns %v, want %v", header, eventColumns)}
	}

	l := &EventList{Header: hdr}
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
		ev, err := parseDetectorEvent(row, hdr.Channels)
		if err != nil {
			return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("row %d: %w", line, err)}
		}
		l.Events = append(l.Events, ev)
	}
	if want := hdr.SourceEvents + hdr.BackgroundEvents; len(l.Events) != want {
		return nil, &sim.FormatError{Path: paths.Data, Err: fmt.Errorf("header declares %d events, file has %d", want, len(l.Events))}
	}
	return l, nil
}

func parseDetectorEvent(row []string, channels int) (DetectorEvent, error) {
	var ev DetectorEvent
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
	if ev.Channel < 0 || ev.Channel >= channels {
		return ev, fmt.Errorf("channel %d outside [0, %d)", ev.Channel, channels)
	}
	if ev.Time, err = strconv.ParseFloat(row[3], 64); err != nil || math.IsNaN(ev.Time) || math.IsInf(ev.Time, 0) {
		return ev, fmt.Errorf("invalid time %q", row[3])
	}
	switch row[4] {
	case OriginSource, OriginBackground:
		ev.Origin = row[4]
	default:
		return ev, fmt.Errorf("unknown origin %q", row[4])
	}
	return ev, nil
}
