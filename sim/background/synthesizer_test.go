package background

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/internal/testutil"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

func allOn() Flags { return Flags{Instrumental: true, Foreground: true, PointSources: true} }

func testConfig(t *testing.T, flags Flags) Config {
	t.Helper()
	return Config{
		Instrument:   testutil.Instrument(t),
		ExposureTime: 20000,
		SkyCenter:    [2]float64{30, 45},
		Flags:        flags,
		Seed:         17,
	}
}

func TestSynthesize_AllDisabledIsEmpty(t *testing.T) {
	s, err := Synthesize(context.Background(), testConfig(t, Flags{}))
	require.NoError(t, err)
	assert.Empty(t, s.Events)
	assert.Zero(t, s.Header.Events)
}

func TestSynthesize_ComponentsAreIndependent(t *testing.T) {
	// GIVEN every component enabled and each alone
	all, err := Synthesize(context.Background(), testConfig(t, allOn()))
	require.NoError(t, err)
	byComponent := map[string][]Event{}
	for _, ev := range all.Events {
		byComponent[ev.Component] = append(byComponent[ev.Component], ev)
	}

	for _, tt := range []struct {
		component string
		flags     Flags
	}{
		{ComponentInstrumental, Flags{Instrumental: true}},
		{ComponentForeground, Flags{Foreground: true}},
		{ComponentPointSources, Flags{PointSources: true}},
	} {
		t.Run(tt.component, func(t *testing.T) {
			alone, err := Synthesize(context.Background(), testConfig(t, tt.flags))
			require.NoError(t, err)

			// THEN a component's events do not depend on which others are on
			require.Len(t, alone.Events, len(byComponent[tt.component]))
			if len(alone.Events) > 0 {
				assert.Equal(t, byComponent[tt.component], alone.Events)
			}
			for _, ev := range alone.Events {
				assert.Equal(t, tt.component, ev.Component)
			}
		})
	}
	assert.NotEmpty(t, byComponent[ComponentInstrumental])
}

func TestSynthesize_DeterministicAndTimeOrdered(t *testing.T) {
	cfg := testConfig(t, allOn())
	a, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)
	b, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, a.Events, b.Events)
	assert.NotEqual(t, a.Header.RunID, b.Header.RunID)
	assert.True(t, sort.SliceIsSorted(a.Events, func(i, j int) bool { return a.Events[i].Time < a.Events[j].Time }))

	cfg.Seed++
	c, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Events, c.Events)
}

func TestSynthesize_EventsOnDetector(t *testing.T) {
	cfg := testConfig(t, allOn())
	s, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)
	d := cfg.Instrument
	for _, ev := range s.Events {
		require.True(t, ev.DetX >= 0 && ev.DetX < d.NumPixels)
		require.True(t, ev.DetY >= 0 && ev.DetY < d.NumPixels)
		require.True(t, ev.Channel >= 0 && ev.Channel < d.Channels())
		require.True(t, ev.Time >= 0 && ev.Time < cfg.ExposureTime)
	}
}

func TestSynthesize_InstrumentalRate(t *testing.T) {
	// GIVEN rate·band·area·T = 1e-3 · 9.9 · (64·2/60)² · 20000 ≈ 901 expected counts
	cfg := testConfig(t, Flags{Instrumental: true})
	d := cfg.Instrument
	mean := d.Background.InstrumentalRate * (d.Response.EMax - d.Response.EMin) * d.DetectorArea() * cfg.ExposureTime

	s, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)
	assert.InDelta(t, mean, float64(len(s.Events)), 5*math.Sqrt(mean))
}

func TestSynthesize_RecordsMetrics(t *testing.T) {
	cfg := testConfig(t, Flags{Instrumental: true})
	cfg.Metrics = telemetry.NewRecorder()
	_, err := Synthesize(context.Background(), cfg)
	require.NoError(t, err)
	families, err := cfg.Metrics.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t, allOn())
	cfg.ExposureTime = 0
	var rangeErr *sim.RangeError
	_, err := Synthesize(context.Background(), cfg)
	assert.ErrorAs(t, err, &rangeErr)

	cfg = testConfig(t, allOn())
	cfg.Instrument.Background.LogNLogS.SMax = cfg.Instrument.Background.LogNLogS.SMin
	_, err = Synthesize(context.Background(), cfg)
	assert.ErrorAs(t, err, &rangeErr)

	// Disabled point sources skip the logN-logS checks
	cfg.Flags.PointSources = false
	_, err = Synthesize(context.Background(), cfg)
	assert.NoError(t, err)

	_, err = Synthesize(context.Background(), Config{ExposureTime: 1})
	assert.Error(t, err)
}

func TestStream_Until(t *testing.T) {
	s := &Stream{Events: []Event{{Time: 1}, {Time: 2}, {Time: 2}, {Time: 5}}}
	got := s.Until(2)
	assert.Len(t, got, 1)
	got = s.Until(3)
	assert.Len(t, got, 3)

	// The result is a copy
	got[0].Time = 99
	assert.Equal(t, 1.0, s.Events[0].Time)
	assert.Empty(t, s.Until(0))
}

func TestStream_RoundTrip(t *testing.T) {
	s, err := Synthesize(context.Background(), testConfig(t, allOn()))
	require.NoError(t, err)
	paths := StreamPaths(filepath.Join(t.TempDir(), "deep"))
	require.NoError(t, WriteStream(paths, s))

	got, err := ReadStream(paths)
	require.NoError(t, err)
	assert.Equal(t, s.Header, got.Header)
	assert.Equal(t, s.Events, got.Events)
}

func TestReadStream_Malformed(t *testing.T) {
	dir := t.TempDir()
	paths := StreamPaths(filepath.Join(dir, "bad"))
	s := &Stream{
		Header: Header{Version: StreamVersion, Instrument: "test-ccd", ExposureTime: 10},
		Events: []Event{{Time: 1, Component: ComponentInstrumental}, {Time: 2, Component: ComponentInstrumental}},
	}
	require.NoError(t, WriteStream(paths, s))

	var formatErr *sim.FormatError

	// Out of time order
	require.NoError(t, os.WriteFile(paths.Data, []byte("detx,dety,channel,time,component\n0,0,0,2,x\n0,0,0,1,x\n"), 0o644))
	_, err := ReadStream(paths)
	assert.ErrorAs(t, err, &formatErr)

	// Non-integer pixel
	require.NoError(t, os.WriteFile(paths.Data, []byte("detx,dety,channel,time,component\n0.5,0,0,1,x\n0,0,0,2,x\n"), 0o644))
	_, err = ReadStream(paths)
	assert.ErrorAs(t, err, &formatErr)

	// Wrong columns
	require.NoError(t, os.WriteFile(paths.Data, []byte("x,y,c,t,k\n"), 0o644))
	_, err = ReadStream(paths)
	assert.ErrorAs(t, err, &formatErr)

	// Unsupported version
	require.NoError(t, os.WriteFile(paths.Header, []byte("background_version: 7\n"), 0o644))
	_, err = ReadStream(paths)
	assert.ErrorAs(t, err, &formatErr)
}
