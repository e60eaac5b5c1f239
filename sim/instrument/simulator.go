// Package instrument folds a sky event catalog through an instrument
// response and merges the result with a background stream.
//
// Background precedence: when SimConfig.Background is set, the background
// flags are ignored entirely and the stream's events are used as given.
// Only without a stream are components synthesized from the flags.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/background"
	"github.com/inference-sim/xraysim/sim/response"
	"github.com/inference-sim/xraysim/sim/sampling"
	"github.com/inference-sim/xraysim/sim/sky"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// SimConfig holds the observation parameters.
type SimConfig struct {
	Descriptor   *response.Descriptor
	ExposureTime float64    // s, may differ from the catalog's generating exposure
	SkyCenter    [2]float64 // aim point, RA/Dec degrees
	Flags        background.Flags
	// Background, when non-nil, replaces synthesis and silences Flags.
	Background *background.Stream
	// BackgroundPath is recorded in the header for a file stream.
	BackgroundPath string
	// Area overrides the descriptor's effective area when set.
	Area    response.EffectiveArea
	Seed    int64
	Workers int
	Metrics *telemetry.Recorder
}

// Validate checks the parameters.
func (c SimConfig) Validate() error {
	if c.Descriptor == nil {
		return &sim.CalibrationError{Item: "descriptor", Err: errors.New("no instrument descriptor")}
	}
	if err := sim.ValidateFinitePositive("exposure_time", c.ExposureTime); err != nil {
		return err
	}
	return sim.ValidateSkyCenter("sky_center", c.SkyCenter)
}

// chunkSize is the number of events folded per random stream.
const chunkSize = 1 << 16

const arcsecPerRadian = 180 * 3600 / math.Pi

// Simulate produces the detector event list for cat. A catalog with no
// events yields a valid background-only list.
func Simulate(ctx context.Context, cat *sky.Catalog, cfg SimConfig) (*EventList, error) {
	if cat == nil {
		return nil, errors.New("nil event catalog")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.Descriptor
	area := cfg.Area
	if area == nil {
		area = d.Area()
	}
	if len(cat.Events) > 0 {
		if err := sim.ValidateFinitePositive("catalog area", cat.Header.Area); err != nil {
			return nil, err
		}
		if err := sim.ValidateFinitePositive("catalog exposure_time", cat.Header.ExposureTime); err != nil {
			return nil, err
		}
	}
	timer := cfg.Metrics.StageTimer("instrument")
	defer timer()

	rngs := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))
	events := Rescale(rngs.ForSubsystem(sim.SubsystemInstrument), cat.Events, cat.Header.ExposureTime, cfg.ExposureTime)

	source, clamped, err := fold(ctx, rngs, events, cat.Header.Area, area, cfg)
	if err != nil {
		return nil, err
	}
	if clamped > 0 {
		logrus.Warnf("effective area of %s exceeds the generating area %g cm² for %d events; keep probability clamped to 1",
			d.Name, cat.Header.Area, clamped)
	}

	bkg, bkgSource, err := backgroundEvents(ctx, cfg)
	if err != nil {
		return nil, err
	}

	list := &EventList{
		Header: EventListHeader{
			Version:          EventListVersion,
			RunID:            uuid.NewString(),
			Seed:             cfg.Seed,
			Instrument:       d.Name,
			ExposureTime:     cfg.ExposureTime,
			SkyCenter:        cfg.SkyCenter,
			NumPixels:        d.NumPixels,
			Channels:         d.Channels(),
			SourceID:         cat.Header.SourceID,
			SourceEvents:     len(source),
			BackgroundEvents: len(bkg),
			BackgroundSource: bkgSource,
		},
		Events: Merge(source, bkg),
	}
	cfg.Metrics.ObserveDetector(len(source), len(bkg))
	logrus.WithFields(logrus.Fields{
		"instrument": d.Name,
		"catalog":    len(cat.Events),
		"source":     len(source),
		"background": len(bkg),
		"bkg_source": bkgSource,
	}).Info("instrument simulation complete")
	return list, nil
}

// Rescale matches a catalog generated over genExposure to exposure. A
// shorter exposure keeps the events with t < exposure; a longer one
// replicates each event Poisson(exposure/genExposure) times with fresh
// uniform times. The result is a new time-ordered slice.
func Rescale(rng *rand.Rand, events []sky.SkyEvent, genExposure, exposure float64) []sky.SkyEvent {
	if len(events) == 0 {
		return nil
	}
	var out []sky.SkyEvent
	if exposure <= genExposure {
		out = make([]sky.SkyEvent, 0, len(events))
		for _, ev := range events {
			if ev.Time < exposure {
				out = append(out, ev)
			}
		}
	} else {
		ratio := exposure / genExposure
		out = make([]sky.SkyEvent, 0, int(float64(len(events))*ratio))
		for _, ev := range events {
			for range sampling.Poisson(rng, ratio) {
				ev.Time = rng.Float64() * exposure
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// fold applies effective area, vignetting, PSF, pixelization and
// redistribution in parallel chunks. Surviving events keep their order.
func fold(ctx context.Context, rngs *sim.PartitionedRNG, events []sky.SkyEvent, genArea float64,
	area response.EffectiveArea, cfg SimConfig) ([]DetectorEvent, int64, error) {
	d := cfg.Descriptor
	rmf := d.Redistribution()
	ra0 := cfg.SkyCenter[0] * math.Pi / 180
	dec0 := cfg.SkyCenter[1] * math.Pi / 180

	nchunks := (len(events) + chunkSize - 1) / chunkSize
	chunks := make([][]DetectorEvent, nchunks)
	var clamped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for k := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rngs.ForUnit(sim.SubsystemInstrument, k)
			start := k * chunkSize
			end := min(start+chunkSize, len(events))
			out := make([]DetectorEvent, 0, end-start)
			for _, ev := range events[start:end] {
				xi, eta, ok := sky.Gnomonic(ra0, dec0, ev.RA, ev.Dec)
				if !ok {
					continue
				}
				x, y := xi*arcsecPerRadian, eta*arcsecPerRadian
				p := area.At(ev.Energy) / genArea
				if p > 1 {
					clamped.Add(1)
					p = 1
				}
				p *= d.VignettingFactor(math.Hypot(x, y) / 60)
				if !(rng.Float64() < p) {
					continue
				}
				bx, by := d.Blur(rng, x, y, ev.Energy)
				ch := rmf.Channel(rng, ev.Energy)
				px, py, ok := d.ToPixel(bx, by)
				if !ok {
					continue
				}
				out = append(out, DetectorEvent{DetX: px, DetY: py, Channel: ch, Time: ev.Time, Origin: OriginSource})
			}
			chunks[k] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]DetectorEvent, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, clamped.Load(), nil
}

// backgroundEvents resolves the background for an observation: the given
// stream if any, otherwise a synthesized one.
func backgroundEvents(ctx context.Context, cfg SimConfig) ([]DetectorEvent, string, error) {
	d := cfg.Descriptor
	stream := cfg.Background
	source := "file:" + cfg.BackgroundPath
	if stream == nil {
		var err error
		stream, err = background.Synthesize(ctx, background.Config{
			Instrument:   d,
			ExposureTime: cfg.ExposureTime,
			SkyCenter:    cfg.SkyCenter,
			Flags:        cfg.Flags,
			Seed:         cfg.Seed,
			Metrics:      cfg.Metrics,
		})
		if err != nil {
			return nil, "", fmt.Errorf("synthesizing background: %w", err)
		}
		source = "synthesized"
	} else if err := checkStream(stream, d, cfg.ExposureTime); err != nil {
		return nil, "", err
	}

	raw := stream.Until(cfg.ExposureTime)
	out := make([]DetectorEvent, len(raw))
	for i, ev := range raw {
		out[i] = DetectorEvent{DetX: ev.DetX, DetY: ev.DetY, Channel: ev.Channel, Time: ev.Time, Origin: OriginBackground}
	}
	return out, source, nil
}

// checkStream verifies that a precomputed stream fits the observation.
func checkStream(s *background.Stream, d *response.Descriptor, exposure float64) error {
	if s.Header.Instrument != d.Name {
		return &sim.CalibrationError{
			Instrument: d.Name,
			Item:       "background stream",
			Err:        fmt.Errorf("stream was generated for instrument %q", s.Header.Instrument),
		}
	}
	if s.Header.ExposureTime < exposure {
		return &sim.RangeError{
			Param:  "background exposure_time",
			Value:  s.Header.ExposureTime,
			Reason: fmt.Sprintf("shorter than the requested exposure %g s", exposure),
		}
	}
	for i, ev := range s.Events {
		if ev.Channel < 0 || ev.Channel >= d.Channels() || ev.DetX < 0 || ev.DetX >= d.NumPixels || ev.DetY < 0 || ev.DetY >= d.NumPixels {
			return &sim.CalibrationError{
				Instrument: d.Name,
				Item:       "background stream",
				Err:        fmt.Errorf("event %d lies outside the detector or channel grid", i),
			}
		}
	}
	return nil
}

// Merge interleaves two time-ordered event slices by time. Each input keeps
// its internal order and source events precede background events at equal
// times.
func Merge(source, bkg []DetectorEvent) []DetectorEvent {
	return sim.MergeByTime([][]DetectorEvent{source, bkg}, func(e DetectorEvent) float64 { return e.Time })
}
