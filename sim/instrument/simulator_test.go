package instrument

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/background"
	"github.com/inference-sim/xraysim/sim/internal/testutil"
	"github.com/inference-sim/xraysim/sim/sky"
)

var aim = [2]float64{30, 45}

// testCatalog places n events within a few arcsec of the aim point, one
// per second.
func testCatalog(n int) *sky.Catalog {
	rng := rand.New(rand.NewPCG(5, 6))
	cat := &sky.Catalog{Header: sky.CatalogHeader{
		Version: sky.CatalogVersion, SourceID: "cluster", SkyCenter: aim,
		Area: 1000, ExposureTime: float64(n),
	}}
	for i := range n {
		cat.Events = append(cat.Events, sky.SkyEvent{
			RA:     aim[0] + (rng.Float64()-0.5)*0.005,
			Dec:    aim[1] + (rng.Float64()-0.5)*0.005,
			Energy: 0.5 + 5*rng.Float64(),
			Time:   float64(i),
		})
	}
	cat.Header.EventsOut = n
	return cat
}

func simConfig(t *testing.T, exposure float64, flags background.Flags) SimConfig {
	t.Helper()
	return SimConfig{
		Descriptor:   testutil.Instrument(t),
		ExposureTime: exposure,
		SkyCenter:    aim,
		Flags:        flags,
		Seed:         23,
	}
}

func timeOrdered(events []DetectorEvent) bool {
	return sort.SliceIsSorted(events, func(i, j int) bool { return events[i].Time < events[j].Time })
}

func byOrigin(events []DetectorEvent, origin string) []DetectorEvent {
	var out []DetectorEvent
	for _, ev := range events {
		if ev.Origin == origin {
			out = append(out, ev)
		}
	}
	return out
}

func TestMerge_SourceAndBackgroundStreams(t *testing.T) {
	// GIVEN 1000 time-ordered source events and 500 background events,
	// some of them at the same times as source events
	source := make([]DetectorEvent, 1000)
	for i := range source {
		source[i] = DetectorEvent{DetX: i % 64, Channel: i % 128, Time: float64(i), Origin: OriginSource}
	}
	bkg := make([]DetectorEvent, 500)
	for j := range bkg {
		ts := 2 * float64(j)
		if j%2 == 1 {
			ts += 0.5
		}
		bkg[j] = DetectorEvent{DetY: j % 64, Time: ts, Origin: OriginBackground}
	}

	// WHEN merged
	got := Merge(source, bkg)

	// THEN the result is complete and time-ordered
	require.Len(t, got, 1500)
	assert.True(t, timeOrdered(got))
	// AND the source subset reproduces the input in order
	assert.Equal(t, source, byOrigin(got, OriginSource))
	assert.Equal(t, bkg, byOrigin(got, OriginBackground))
	// AND a source event precedes a background event at the same time
	assert.Equal(t, OriginSource, got[0].Origin)
	assert.Equal(t, OriginBackground, got[1].Origin)
}

func TestMerge_PreservesBothInputs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toEvents := func(times []float64, origin string) []DetectorEvent {
		sort.Float64s(times)
		out := make([]DetectorEvent, len(times))
		for i, ts := range times {
			out[i] = DetectorEvent{DetX: i, Time: ts, Origin: origin}
		}
		return out
	}
	properties.Property("merge is ordered and restricts to its inputs", prop.ForAll(
		func(a, b []float64) bool {
			source := toEvents(a, OriginSource)
			bkg := toEvents(b, OriginBackground)
			got := Merge(source, bkg)
			if len(got) != len(source)+len(bkg) || !timeOrdered(got) {
				return false
			}
			src := byOrigin(got, OriginSource)
			for i := range src {
				if src[i] != source[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.SliceOf(gen.Float64Range(0, 100)),
	))
	properties.TestingRun(t)
}

func TestSimulate_StreamOverridesFlags(t *testing.T) {
	// GIVEN a precomputed stream longer than the observation
	d := testutil.Instrument(t)
	stream, err := background.Synthesize(context.Background(), background.Config{
		Instrument: d, ExposureTime: 2000, SkyCenter: aim, Seed: 99,
		Flags: background.Flags{Instrumental: true, Foreground: true, PointSources: true},
	})
	require.NoError(t, err)
	want := stream.Until(1000)
	require.NotEmpty(t, want)
	cat := testCatalog(200)

	// WHEN observing with every combination of background switches
	for mask := range 8 {
		flags := background.Flags{Instrumental: mask&1 != 0, Foreground: mask&2 != 0, PointSources: mask&4 != 0}
		cfg := simConfig(t, 1000, flags)
		cfg.Background = stream
		cfg.BackgroundPath = "deep"
		list, err := Simulate(context.Background(), cat, cfg)
		require.NoError(t, err)

		// THEN the background is the stream truncated to the exposure
		bkg := byOrigin(list.Events, OriginBackground)
		require.Len(t, bkg, len(want), "flags %+v", flags)
		for i, ev := range bkg {
			assert.Equal(t, want[i].Time, ev.Time)
			assert.Equal(t, want[i].Channel, ev.Channel)
			assert.Equal(t, want[i].DetX, ev.DetX)
		}
		assert.Equal(t, "file:deep", list.Header.BackgroundSource)
		assert.Equal(t, len(want), list.Header.BackgroundEvents)
	}
	// AND the stream itself is untouched
	assert.Equal(t, 2000.0, stream.Header.ExposureTime)
}

func TestSimulate_StreamMismatch(t *testing.T) {
	d := testutil.Instrument(t)
	good := func() *background.Stream {
		return &background.Stream{
			Header: background.Header{Instrument: d.Name, ExposureTime: 500},
			Events: []background.Event{{DetX: 1, DetY: 2, Channel: 3, Time: 1}},
		}
	}
	cat := testCatalog(10)
	var calErr *sim.CalibrationError
	var rangeErr *sim.RangeError

	s := good()
	s.Header.Instrument = "other-ccd"
	cfg := simConfig(t, 100, background.Flags{})
	cfg.Background = s
	_, err := Simulate(context.Background(), cat, cfg)
	assert.ErrorAs(t, err, &calErr)

	cfg.Background = good()
	cfg.ExposureTime = 600
	_, err = Simulate(context.Background(), cat, cfg)
	assert.ErrorAs(t, err, &rangeErr)

	for _, ev := range []background.Event{{DetX: 64, Time: 1}, {DetY: -1, Time: 1}, {Channel: 128, Time: 1}} {
		s = good()
		s.Events = []background.Event{ev}
		cfg.Background = s
		cfg.ExposureTime = 100
		_, err = Simulate(context.Background(), cat, cfg)
		assert.ErrorAs(t, err, &calErr, "event %+v", ev)
	}
}

func TestSimulate_SynthesizedBackground(t *testing.T) {
	cfg := simConfig(t, 500, background.Flags{Instrumental: true})
	list, err := Simulate(context.Background(), testCatalog(500), cfg)
	require.NoError(t, err)

	assert.Equal(t, "synthesized", list.Header.BackgroundSource)
	assert.Positive(t, list.Header.SourceEvents)
	assert.Positive(t, list.Header.BackgroundEvents)
	assert.Len(t, list.Events, list.Header.SourceEvents+list.Header.BackgroundEvents)
	assert.True(t, timeOrdered(list.Events))
	for _, ev := range list.Events {
		require.True(t, ev.DetX >= 0 && ev.DetX < 64 && ev.DetY >= 0 && ev.DetY < 64)
		require.True(t, ev.Channel >= 0 && ev.Channel < 128)
		require.True(t, ev.Time >= 0 && ev.Time < 500)
	}
}

func TestSimulate_EmptyCatalog(t *testing.T) {
	// GIVEN a catalog with no events
	empty := &sky.Catalog{Header: sky.CatalogHeader{SkyCenter: aim}}

	// WHEN observed with and without background
	list, err := Simulate(context.Background(), empty, simConfig(t, 1000, background.Flags{Instrumental: true}))
	require.NoError(t, err)
	assert.Zero(t, list.Header.SourceEvents)
	assert.Positive(t, list.Header.BackgroundEvents)
	assert.Empty(t, byOrigin(list.Events, OriginSource))

	list, err = Simulate(context.Background(), empty, simConfig(t, 1000, background.Flags{}))
	require.NoError(t, err)
	assert.Empty(t, list.Events)
}

func TestSimulate_AreaSelection(t *testing.T) {
	// GIVEN a 500 cm² instrument and a catalog generated for 1000 cm²
	cat := testCatalog(4000)
	list, err := Simulate(context.Background(), cat, simConfig(t, 4000, background.Flags{}))
	require.NoError(t, err)

	// THEN about half the events are kept (PSF losses are negligible)
	assert.InDelta(t, 2000, list.Header.SourceEvents, 150)

	// WHEN the area exceeds the generating area every event is kept
	cfg := simConfig(t, 4000, background.Flags{})
	cfg.Area = flatArea(3000)
	list, err = Simulate(context.Background(), cat, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 4000, list.Header.SourceEvents, 10)
}

type flatArea float64

func (a flatArea) At(float64) float64 { return float64(a) }
func (a flatArea) Max() float64       { return float64(a) }

func TestSimulate_WorkerCountIndependent(t *testing.T) {
	cat := testCatalog(chunkSize + 5000)
	cat.Header.ExposureTime = float64(len(cat.Events))

	var lists []*EventList
	for _, workers := range []int{1, 3, 8} {
		cfg := simConfig(t, cat.Header.ExposureTime, background.Flags{Instrumental: true})
		cfg.Workers = workers
		list, err := Simulate(context.Background(), cat, cfg)
		require.NoError(t, err)
		lists = append(lists, list)
	}
	assert.Equal(t, lists[0].Events, lists[1].Events)
	assert.Equal(t, lists[0].Events, lists[2].Events)
}

func TestSimulate_InvalidInputs(t *testing.T) {
	var calErr *sim.CalibrationError
	var rangeErr *sim.RangeError

	cfg := simConfig(t, 100, background.Flags{})
	cfg.Descriptor = nil
	_, err := Simulate(context.Background(), testCatalog(3), cfg)
	assert.ErrorAs(t, err, &calErr)

	_, err = Simulate(context.Background(), nil, simConfig(t, 100, background.Flags{}))
	assert.Error(t, err)

	_, err = Simulate(context.Background(), testCatalog(3), simConfig(t, -1, background.Flags{}))
	assert.ErrorAs(t, err, &rangeErr)

	cat := testCatalog(3)
	cat.Header.Area = 0
	_, err = Simulate(context.Background(), cat, simConfig(t, 100, background.Flags{}))
	assert.ErrorAs(t, err, &rangeErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Simulate(ctx, testCatalog(3), simConfig(t, 100, background.Flags{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRescale(t *testing.T) {
	events := testCatalog(1000).Events
	rng := rand.New(rand.NewPCG(1, 2))

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, Rescale(rng, nil, 10, 20))
	})

	t.Run("shorter exposure trims", func(t *testing.T) {
		got := Rescale(rng, events, 1000, 250.5)
		require.Len(t, got, 251)
		assert.Equal(t, events[:251], got)
	})

	t.Run("longer exposure bootstraps", func(t *testing.T) {
		got := Rescale(rng, events, 1000, 3000)
		assert.InDelta(t, 3000, len(got), 250)
		assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Time < got[j].Time }))
		for _, ev := range got {
			require.True(t, ev.Time >= 0 && ev.Time < 3000)
		}
		// The input is not modified
		assert.Equal(t, 999.0, events[999].Time)
	})
}

func TestEventList_RoundTrip(t *testing.T) {
	list, err := Simulate(context.Background(), testCatalog(300), simConfig(t, 300, background.Flags{Instrumental: true}))
	require.NoError(t, err)
	paths := EventListPaths(filepath.Join(t.TempDir(), "obs"))
	require.NoError(t, WriteEventList(paths, list))

	got, err := ReadEventList(paths)
	require.NoError(t, err)
	assert.Equal(t, list.Header, got.Header)
	assert.Equal(t, list.Events, got.Events)
}

func TestReadEventList_Malformed(t *testing.T) {
	base := &EventList{
		Header: EventListHeader{Instrument: "test-ccd", Channels: 4, SourceEvents: 1, BackgroundEvents: 1},
		Events: []DetectorEvent{{Channel: 1, Time: 1, Origin: OriginSource}, {Channel: 2, Time: 2, Origin: OriginBackground}},
	}
	var formatErr *sim.FormatError

	for name, mutate := range map[string]func(l *EventList){
		"unknown origin":   func(l *EventList) { l.Events[0].Origin = "cosmic" },
		"channel overflow": func(l *EventList) { l.Events[1].Channel = 4 },
		"count mismatch":   func(l *EventList) { l.Header.BackgroundEvents = 5 },
	} {
		t.Run(name, func(t *testing.T) {
			l := &EventList{Header: base.Header, Events: append([]DetectorEvent(nil), base.Events...)}
			mutate(l)
			paths := EventListPaths(filepath.Join(t.TempDir(), "bad"))
			require.NoError(t, WriteEventList(paths, l))
			_, err := ReadEventList(paths)
			assert.ErrorAs(t, err, &formatErr)
		})
	}
}
