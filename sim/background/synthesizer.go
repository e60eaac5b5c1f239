// Package background synthesizes detector background streams that are
// independent of any source and can be persisted once and reused across
// observations with the same instrument and exposure.
package background

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/response"
	"github.com/inference-sim/xraysim/sim/sampling"
	"github.com/inference-sim/xraysim/sim/spectral"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// Component names, in merge order.
const (
	ComponentInstrumental = "instrumental"
	ComponentForeground   = "foreground"
	ComponentPointSources = "ptsrc"
)

var components = []string{ComponentInstrumental, ComponentForeground, ComponentPointSources}

// Flags enables background components independently.
type Flags struct {
	Instrumental bool `yaml:"instrumental"`
	Foreground   bool `yaml:"foreground"`
	PointSources bool `yaml:"point_sources"`
}

func (f Flags) enabled(component string) bool {
	switch component {
	case ComponentInstrumental:
		return f.Instrumental
	case ComponentForeground:
		return f.Foreground
	case ComponentPointSources:
		return f.PointSources
	}
	return false
}

// Config holds the synthesis parameters.
type Config struct {
	Instrument   *response.Descriptor
	ExposureTime float64    // s
	SkyCenter    [2]float64 // RA, Dec degrees; bookkeeping only
	Flags        Flags
	Seed         int64
	Metrics      *telemetry.Recorder
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.Instrument == nil {
		return errors.New("background synthesis needs an instrument descriptor")
	}
	if err := sim.ValidateFinitePositive("exposure_time", c.ExposureTime); err != nil {
		return err
	}
	if err := sim.ValidateSkyCenter("sky_center", c.SkyCenter); err != nil {
		return err
	}
	lns := c.Instrument.Background.LogNLogS
	if c.Flags.PointSources && lns.K > 0 {
		if err := sim.ValidateFinitePositive("lognlogs.s0", lns.S0); err != nil {
			return err
		}
		if err := sim.ValidateFinitePositive("lognlogs.smin", lns.SMin); err != nil {
			return err
		}
		if err := sim.ValidateOrdered("lognlogs.smin", lns.SMin, lns.SMax); err != nil {
			return err
		}
	}
	if c.Flags.Foreground && c.Instrument.Background.ForegroundBrightness > 0 {
		if err := sim.ValidateFinitePositive("foreground_kt", c.Instrument.Background.ForegroundKT); err != nil {
			return err
		}
	}
	return nil
}

// Synthesize generates the enabled components in parallel, each on its own
// random stream, sorts each by time and merges them in component order.
// Disabled components contribute no events and draw no random numbers.
func Synthesize(ctx context.Context, cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timer := cfg.Metrics.StageTimer("background")
	defer timer()

	rngs := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))
	parts := make([][]Event, len(components))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range components {
		if !cfg.Flags.enabled(name) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rngs.ForUnit(sim.SubsystemBackground, i)
			var events []Event
			switch name {
			case ComponentInstrumental:
				events = instrumental(rng, cfg)
			case ComponentForeground:
				events = foreground(rng, cfg)
			case ComponentPointSources:
				events = pointSources(rng, cfg)
			}
			sort.SliceStable(events, func(a, b int) bool { return events[a].Time < events[b].Time })
			parts[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stream := &Stream{
		Header: Header{
			Version:      StreamVersion,
			RunID:        uuid.NewString(),
			Seed:         cfg.Seed,
			Instrument:   cfg.Instrument.Name,
			ExposureTime: cfg.ExposureTime,
			SkyCenter:    cfg.SkyCenter,
			Flags:        cfg.Flags,
		},
		Events: sim.MergeByTime(parts, func(e Event) float64 { return e.Time }),
	}
	fields := logrus.Fields{"instrument": cfg.Instrument.Name, "exposure": cfg.ExposureTime}
	for i, name := range components {
		cfg.Metrics.ObserveBackground(name, len(parts[i]))
		fields[name] = len(parts[i])
	}
	stream.Header.Events = len(stream.Events)
	logrus.WithFields(fields).Info("background synthesis complete")
	return stream, nil
}

// instrumental draws the particle background: flat in channel, uniform
// over the detector, no mirror effects.
func instrumental(rng *rand.Rand, cfg Config) []Event {
	d := cfg.Instrument
	rate := d.Background.InstrumentalRate
	if rate <= 0 {
		return nil
	}
	band := d.Response.EMax - d.Response.EMin
	n := sampling.Poisson(rng, rate*band*d.DetectorArea()*cfg.ExposureTime)
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			DetX:      rng.IntN(d.NumPixels),
			DetY:      rng.IntN(d.NumPixels),
			Channel:   rng.IntN(d.Channels()),
			Time:      rng.Float64() * cfg.ExposureTime,
			Component: ComponentInstrumental,
		}
	}
	return events
}

// foreground draws the diffuse soft thermal foreground over the field.
func foreground(rng *rand.Rand, cfg Config) []Event {
	d := cfg.Instrument
	bg := d.Background
	if bg.ForegroundBrightness <= 0 {
		return nil
	}
	plasma := spectral.ThermalPlasma{}
	band := newBandSpectrum(d, func(e float64) float64 {
		cont, metals := plasma.Emissivity(bg.ForegroundKT, e)
		return cont + metals
	})
	n := sampling.Poisson(rng, bg.ForegroundBrightness*d.FieldArea()*cfg.ExposureTime*band.meanArea)
	half := 30 * d.FOV // arcsec
	var events []Event
	for range n {
		e := band.energy(rng)
		x := sampling.Uniform(rng, -half, half)
		y := sampling.Uniform(rng, -half, half)
		keep := rng.Float64() < d.VignettingFactor(math.Hypot(x, y)/60)
		t := rng.Float64() * cfg.ExposureTime
		ch := d.Redistribution().Channel(rng, e)
		if !keep {
			continue
		}
		px, py, ok := d.ToPixel(x, y)
		if !ok {
			continue
		}
		events = append(events, Event{DetX: px, DetY: py, Channel: ch, Time: t, Component: ComponentForeground})
	}
	return events
}

// pointSources draws unresolved sources from the logN-logS relation and
// then their photons.
func pointSources(rng *rand.Rand, cfg Config) []Event {
	d := cfg.Instrument
	lns := d.Background.LogNLogS
	if lns.K <= 0 {
		return nil
	}
	fieldDeg2 := d.FieldArea() / 3600
	cumulative := func(s float64) float64 { return lns.K * math.Pow(s/lns.S0, -lns.Alpha) }
	nsrc := sampling.Poisson(rng, (cumulative(lns.SMin)-cumulative(lns.SMax))*fieldDeg2)
	if nsrc == 0 {
		return nil
	}
	band := newBandSpectrum(d, func(e float64) float64 { return math.Pow(e, -lns.PhotonIndex) })
	half := 30 * d.FOV
	var events []Event
	for range nsrc {
		flux := sampling.PowerLaw(rng, lns.Alpha+1, lns.SMin, lns.SMax)
		sx := sampling.Uniform(rng, -half, half)
		sy := sampling.Uniform(rng, -half, half)
		vig := d.VignettingFactor(math.Hypot(sx, sy) / 60)
		n := sampling.Poisson(rng, flux*band.meanArea*cfg.ExposureTime*vig)
		for range n {
			e := band.energy(rng)
			x, y := d.Blur(rng, sx, sy, e)
			t := rng.Float64() * cfg.ExposureTime
			ch := d.Redistribution().Channel(rng, e)
			px, py, ok := d.ToPixel(x, y)
			if !ok {
				continue
			}
			events = append(events, Event{DetX: px, DetY: py, Channel: ch, Time: t, Component: ComponentPointSources})
		}
	}
	return events
}

// bandSpectrum is a photon spectrum over the response band, normalized to
// unit photon flux and folded with the effective area.
type bandSpectrum struct {
	lo, width float64
	meanArea  float64 // cm², spectrum-weighted
	folded    *sampling.CDFSampler
}

func newBandSpectrum(d *response.Descriptor, shape func(e float64) float64) bandSpectrum {
	n := d.Channels()
	lo := d.Response.EMin
	width := (d.Response.EMax - lo) / float64(n)
	folded := make([]float64, n)
	total := 0.0
	for i := range folded {
		e := lo + (float64(i)+0.5)*width
		w := shape(e) * width
		if !(w > 0) || math.IsInf(w, 0) {
			continue
		}
		folded[i] = w * d.Area().At(e)
		total += w
	}
	b := bandSpectrum{lo: lo, width: width, folded: sampling.NewCDFSampler(folded)}
	if total > 0 {
		b.meanArea = b.folded.Total() / total
	}
	return b
}

func (b bandSpectrum) energy(rng *rand.Rand) float64 {
	i := b.folded.Index(rng)
	if i < 0 {
		return b.lo
	}
	return b.lo + (float64(i)+rng.Float64())*b.width
}
