// Package pipeline chains the stages of a synthetic observation: spectral
// table, photon sampling, sky projection, background and instrument
// simulation. Each stage's artifact is written only after the stage has
// fully succeeded, through a temp file renamed into place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/background"
	"github.com/inference-sim/xraysim/sim/instrument"
	"github.com/inference-sim/xraysim/sim/photon"
	"github.com/inference-sim/xraysim/sim/response"
	"github.com/inference-sim/xraysim/sim/sky"
	"github.com/inference-sim/xraysim/sim/spectral"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// Options carries dependencies that are not part of the configuration.
type Options struct {
	// Provider overrides the emissivity provider named by the config.
	Provider spectral.EmissivityProvider
	// Region overrides loading the source region from its CSV path.
	Region *photon.SourceRegion
	// Metrics receives run metrics; nil disables them.
	Metrics *telemetry.Recorder
}

// Result reports the artifacts and summaries of a run.
type Result struct {
	PhotonsPath string
	Catalog     sim.ArtifactPaths
	EventList   sim.ArtifactPaths
	Photons     photon.Summary
	Projected   int
	Source      int
	Background  int
}

// BaseName returns the artifact base name of a run: OutDir/Name.
func BaseName(cfg sim.PipelineConfig) string {
	return filepath.Join(cfg.Run.OutDir, cfg.Run.Name)
}

// PhotonListPath is the photon list file of a run.
func PhotonListPath(cfg sim.PipelineConfig) string {
	return BaseName(cfg) + "_photons.xphl"
}

// Run executes the whole pipeline.
func Run(ctx context.Context, cfg sim.PipelineConfig, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := sky.ParseAxis(cfg.Projection.Axis, cfg.Projection.North); err != nil {
		return nil, err
	}
	desc, err := response.LoadDescriptor(cfg.Observation.Instrument)
	if err != nil {
		return nil, err
	}
	var stream *background.Stream
	if cfg.Observation.BackgroundPath != "" {
		stream, err = background.ReadStream(background.StreamPaths(cfg.Observation.BackgroundPath))
		if err != nil {
			return nil, fmt.Errorf("loading background stream: %w", err)
		}
	}

	table, err := BuildTable(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	region := opts.Region
	if region == nil {
		if region, err = photon.LoadRegionCSV(cfg.Source.RegionPath); err != nil {
			return nil, err
		}
	}

	list, err := SamplePhotons(ctx, cfg, table, region, opts.Metrics)
	if err != nil {
		return nil, err
	}
	res := &Result{PhotonsPath: PhotonListPath(cfg), Photons: list.Header.Summary}
	if err := photon.WriteList(res.PhotonsPath, list); err != nil {
		return nil, fmt.Errorf("writing photon list: %w", err)
	}

	cat, err := ProjectCatalog(ctx, cfg, list, opts.Metrics)
	if err != nil {
		return nil, err
	}
	res.Catalog = sky.CatalogPaths(BaseName(cfg))
	res.Projected = len(cat.Events)
	if err := sky.WriteCatalog(res.Catalog, cat); err != nil {
		return nil, err
	}

	events, err := Observe(ctx, cfg, cat, desc, stream, opts.Metrics)
	if err != nil {
		return nil, err
	}
	res.EventList = instrument.EventListPaths(BaseName(cfg))
	res.Source = events.Header.SourceEvents
	res.Background = events.Header.BackgroundEvents
	if err := instrument.WriteEventList(res.EventList, events); err != nil {
		return nil, err
	}

	if err := opts.Metrics.WriteTextfile(cfg.Run.MetricsFile); err != nil {
		logrus.Warnf("writing metrics: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"photons":    res.Photons.RealizedCount,
		"projected":  res.Projected,
		"source":     res.Source,
		"background": res.Background,
		"events":     res.EventList.Data,
	}).Info("pipeline complete")
	return res, nil
}

// Provider resolves the emissivity provider named by the spectrum config.
func Provider(c sim.SpectrumConfig) (spectral.EmissivityProvider, error) {
	switch c.Model {
	case "thermal":
		return spectral.ThermalPlasma{}, nil
	case "tabulated":
		return spectral.LoadTabulatedProvider(c.TablePath)
	default:
		return nil, fmt.Errorf("unknown spectral model %q", c.Model)
	}
}

// BuildTable builds the spectral table, through the cache when
// run.table_cache is set.
func BuildTable(ctx context.Context, cfg sim.PipelineConfig, opts Options) (*spectral.Table, error) {
	timer := opts.Metrics.StageTimer("table")
	defer timer()
	provider := opts.Provider
	if provider == nil {
		var err error
		if provider, err = Provider(cfg.Spectrum); err != nil {
			return nil, err
		}
	}
	params := spectral.ParamsFromConfig(cfg.Spectrum)
	if cfg.Run.TableCache == "" {
		return spectral.Build(ctx, params, provider, cfg.Run.Workers)
	}
	cache, err := spectral.OpenCache(cfg.Run.TableCache)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logrus.Warnf("closing table cache: %v", err)
		}
	}()
	return cache.GetOrBuild(ctx, params, provider, cfg.Run.Workers)
}

// SamplePhotons draws the photon list of region.
func SamplePhotons(ctx context.Context, cfg sim.PipelineConfig, table *spectral.Table, region *photon.SourceRegion,
	metrics *telemetry.Recorder) (*photon.List, error) {
	if cfg.Source.SourceID != "" {
		region = &photon.SourceRegion{ID: cfg.Source.SourceID, Elements: region.Elements}
	}
	var center r3.Vec
	if len(cfg.Source.Center) == 3 {
		center = r3.Vec{X: cfg.Source.Center[0], Y: cfg.Source.Center[1], Z: cfg.Source.Center[2]}
	}
	sampler, err := photon.NewSampler(table, photon.SamplerConfig{
		Redshift:        cfg.Source.Redshift,
		Area:            cfg.Source.Area,
		ExposureTime:    cfg.Source.ExposureTime,
		Center:          center,
		Seed:            cfg.Run.Seed,
		Workers:         cfg.Run.Workers,
		FailOnUnderflow: cfg.Source.FailOnUnderflow,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}
	return sampler.Sample(ctx, region)
}

// ProjectCatalog projects a photon list with the projection config.
func ProjectCatalog(ctx context.Context, cfg sim.PipelineConfig, list *photon.List, metrics *telemetry.Recorder) (*sky.Catalog, error) {
	absorption, err := sky.NewAbsorptionModel(cfg.Projection.Absorption, cfg.Projection.NH, cfg.Projection.AbsorptionTable)
	if err != nil {
		return nil, err
	}
	center, err := skyCenter(cfg.Projection.SkyCenter)
	if err != nil {
		return nil, err
	}
	return sky.Project(ctx, list, sky.ProjectorConfig{
		Axis:        cfg.Projection.Axis,
		North:       cfg.Projection.North,
		SkyCenter:   center,
		Absorption:  absorption,
		NH:          cfg.Projection.NH,
		DistanceMpc: cfg.Source.DistanceMpc,
		Cosmology:   sky.DefaultCosmology,
		Seed:        cfg.Run.Seed,
		Workers:     cfg.Run.Workers,
		Metrics:     metrics,
	})
}

// Observe runs the instrument simulation. A non-nil stream overrides the
// background flags.
func Observe(ctx context.Context, cfg sim.PipelineConfig, cat *sky.Catalog, desc *response.Descriptor,
	stream *background.Stream, metrics *telemetry.Recorder) (*instrument.EventList, error) {
	center, err := skyCenter(cfg.Projection.SkyCenter)
	if err != nil {
		return nil, err
	}
	return instrument.Simulate(ctx, cat, instrument.SimConfig{
		Descriptor:     desc,
		ExposureTime:   cfg.Observation.ExposureTime,
		SkyCenter:      center,
		Flags:          FlagsFromConfig(cfg.Observation),
		Background:     stream,
		BackgroundPath: cfg.Observation.BackgroundPath,
		Seed:           cfg.Run.Seed,
		Workers:        cfg.Run.Workers,
		Metrics:        metrics,
	})
}

// FlagsFromConfig converts the observation's background switches.
func FlagsFromConfig(o sim.ObservationConfig) background.Flags {
	return background.Flags{
		Instrumental: o.InstrumentalBackground,
		Foreground:   o.Foreground,
		PointSources: o.PointSourceBackground,
	}
}

func skyCenter(c []float64) ([2]float64, error) {
	if len(c) != 2 {
		return [2]float64{}, errors.New("sky_center needs RA and Dec")
	}
	center := [2]float64{c[0], c[1]}
	return center, sim.ValidateSkyCenter("sky_center", center)
}
