package sim

import (
	"fmt"
	"math"
)

// PipelineConfig is the complete, explicit configuration of one pipeline
// invocation. It is passed by value into each stage; nothing in the
// pipeline reads process-wide settings.
type PipelineConfig struct {
	Spectrum    SpectrumConfig    `mapstructure:"spectrum" yaml:"spectrum"`
	Source      SourceConfig      `mapstructure:"source" yaml:"source"`
	Projection  ProjectionConfig  `mapstructure:"projection" yaml:"projection"`
	Observation ObservationConfig `mapstructure:"observation" yaml:"observation"`
	Run         RunConfig         `mapstructure:"run" yaml:"run"`
}

// SpectrumConfig groups spectral table parameters.
type SpectrumConfig struct {
	Model             string  `mapstructure:"model" yaml:"model"`           // "thermal" (built-in) or "tabulated"
	TablePath         string  `mapstructure:"table_path" yaml:"table_path"` // CSV export for "tabulated"
	EMin              float64 `mapstructure:"emin" yaml:"emin"`             // keV
	EMax              float64 `mapstructure:"emax" yaml:"emax"`             // keV
	NChan             int     `mapstructure:"nchan" yaml:"nchan"`
	KTMin             float64 `mapstructure:"kt_min" yaml:"kt_min"` // keV
	KTMax             float64 `mapstructure:"kt_max" yaml:"kt_max"` // keV
	NKT               int     `mapstructure:"n_kt" yaml:"n_kt"`
	ThermalBroadening bool    `mapstructure:"thermal_broadening" yaml:"thermal_broadening"`
	OffGrid           string  `mapstructure:"off_grid" yaml:"off_grid"` // "clamp" or "fail"
}

// SourceConfig groups photon generation parameters.
type SourceConfig struct {
	RegionPath      string    `mapstructure:"region" yaml:"region"`
	SourceID        string    `mapstructure:"source_id" yaml:"source_id"`
	Redshift        float64   `mapstructure:"redshift" yaml:"redshift"`
	Area            float64   `mapstructure:"area" yaml:"area"`                   // cm²
	ExposureTime    float64   `mapstructure:"exposure_time" yaml:"exposure_time"` // s
	Center          []float64 `mapstructure:"center" yaml:"center"`               // kpc
	DistanceMpc     float64   `mapstructure:"distance_mpc" yaml:"distance_mpc"`   // 0 = derive from redshift
	FailOnUnderflow bool      `mapstructure:"fail_on_underflow" yaml:"fail_on_underflow"`
}

// ProjectionConfig groups sky projection parameters.
type ProjectionConfig struct {
	Axis            string    `mapstructure:"axis" yaml:"axis"`   // "x", "y", "z" or "a,b,c"
	North           string    `mapstructure:"north" yaml:"north"` // optional "a,b,c"
	SkyCenter       []float64 `mapstructure:"sky_center" yaml:"sky_center"` // RA, Dec degrees
	Absorption      string    `mapstructure:"absorption" yaml:"absorption"`
	NH              float64   `mapstructure:"nh" yaml:"nh"` // 10^22 cm^-2
	AbsorptionTable string    `mapstructure:"absorption_table" yaml:"absorption_table"`
}

// ObservationConfig groups instrument simulation parameters.
type ObservationConfig struct {
	Instrument             string  `mapstructure:"instrument" yaml:"instrument"` // descriptor path
	ExposureTime           float64 `mapstructure:"exposure_time" yaml:"exposure_time"`
	InstrumentalBackground bool    `mapstructure:"instr_bkgnd" yaml:"instr_bkgnd"`
	Foreground             bool    `mapstructure:"foreground" yaml:"foreground"`
	PointSourceBackground  bool    `mapstructure:"ptsrc_bkgnd" yaml:"ptsrc_bkgnd"`
	// BackgroundPath names a precomputed background stream. When set, the
	// three background flags above are ignored.
	BackgroundPath string `mapstructure:"background" yaml:"background"`
}

// RunConfig groups execution parameters.
type RunConfig struct {
	Name        string `mapstructure:"name" yaml:"name"` // artifact base name
	Seed        int64  `mapstructure:"seed" yaml:"seed"`
	Workers     int    `mapstructure:"workers" yaml:"workers"`
	OutDir      string `mapstructure:"out_dir" yaml:"out_dir"`
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file"`
	TableCache  string `mapstructure:"table_cache" yaml:"table_cache"`
}

// DefaultPipelineConfig returns the configuration of the reference galaxy
// cluster observation: a 0.02-12 keV thermal table, z=0.03, 35000 cm²
// over 500 ks, projected along z with nH=0.02 onto (30, 45).
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Spectrum: SpectrumConfig{
			Model: "thermal", EMin: 0.02, EMax: 12.0, NChan: 12000,
			KTMin: 0.03, KTMax: 10.0, NKT: 10000,
			ThermalBroadening: true, OffGrid: "clamp",
		},
		Source: SourceConfig{
			SourceID: "source", Redshift: 0.03, Area: 35000.0, ExposureTime: 500000.0,
			Center: []float64{0, 0, 0},
		},
		Projection: ProjectionConfig{
			Axis: "z", SkyCenter: []float64{30.0, 45.0}, Absorption: "powerlaw", NH: 0.02,
		},
		Observation: ObservationConfig{
			ExposureTime: 500000.0, InstrumentalBackground: true, Foreground: true, PointSourceBackground: true,
		},
		Run: RunConfig{Name: "evt", Seed: 42, Workers: 0, OutDir: "."},
	}
}

// Valid value registries.
var (
	ValidSpectralModels   = map[string]bool{"thermal": true, "tabulated": true}
	ValidOffGridPolicies  = map[string]bool{"clamp": true, "fail": true}
	ValidAbsorptionModels = map[string]bool{"none": true, "opaque": true, "powerlaw": true, "tabulated": true}
)

// Validate checks numeric bounds and names. Projection axes are checked by
// the sky package, which owns their parsing.
func (c *PipelineConfig) Validate() error {
	if err := c.Spectrum.Validate(); err != nil {
		return err
	}
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if err := c.Projection.Validate(); err != nil {
		return err
	}
	if err := ValidateFinitePositive("observation.exposure_time", c.Observation.ExposureTime); err != nil {
		return err
	}
	if c.Observation.Instrument == "" {
		return fmt.Errorf("observation.instrument: descriptor path required")
	}
	if c.Run.Workers < 0 {
		return &RangeError{Param: "run.workers", Value: float64(c.Run.Workers), Reason: "must be non-negative"}
	}
	return nil
}

// Validate checks the spectral table parameters.
func (s *SpectrumConfig) Validate() error {
	if !ValidSpectralModels[s.Model] {
		return fmt.Errorf("spectrum.model: unknown model %q; valid: thermal, tabulated", s.Model)
	}
	if s.Model == "tabulated" && s.TablePath == "" {
		return fmt.Errorf("spectrum.table_path: required for tabulated model")
	}
	if !ValidOffGridPolicies[s.OffGrid] {
		return fmt.Errorf("spectrum.off_grid: unknown policy %q; valid: clamp, fail", s.OffGrid)
	}
	return nil
}

// Validate checks the photon generation parameters.
func (s *SourceConfig) Validate() error {
	if err := ValidateFiniteNonNegative("source.redshift", s.Redshift); err != nil {
		return err
	}
	if err := ValidateFinitePositive("source.area", s.Area); err != nil {
		return err
	}
	if err := ValidateFinitePositive("source.exposure_time", s.ExposureTime); err != nil {
		return err
	}
	if err := ValidateFiniteNonNegative("source.distance_mpc", s.DistanceMpc); err != nil {
		return err
	}
	if s.Redshift == 0 && s.DistanceMpc == 0 {
		return &RangeError{Param: "source.distance_mpc", Value: 0, Reason: "required when redshift is 0"}
	}
	if len(s.Center) != 3 {
		return &RangeError{Param: "source.center", Value: float64(len(s.Center)), Reason: "must have 3 components"}
	}
	return validateFiniteSlice("source.center", s.Center)
}

// Validate checks the projection parameters.
func (p *ProjectionConfig) Validate() error {
	if len(p.SkyCenter) != 2 {
		return &RangeError{Param: "projection.sky_center", Value: float64(len(p.SkyCenter)), Reason: "must have 2 components"}
	}
	if err := validateSkyCenter("projection.sky_center", p.SkyCenter); err != nil {
		return err
	}
	if !ValidAbsorptionModels[p.Absorption] {
		return fmt.Errorf("projection.absorption: unknown model %q; valid: none, opaque, powerlaw, tabulated", p.Absorption)
	}
	if p.Absorption == "tabulated" && p.AbsorptionTable == "" {
		return fmt.Errorf("projection.absorption_table: required for tabulated absorption")
	}
	return ValidateFiniteNonNegative("projection.nh", p.NH)
}

func validateSkyCenter(name string, c []float64) error {
	if err := validateFiniteSlice(name, c); err != nil {
		return err
	}
	if c[1] < -90 || c[1] > 90 {
		return &RangeError{Param: name + "[1]", Value: c[1], Reason: "declination must lie in [-90, 90]"}
	}
	return nil
}

func validateFiniteSlice(name string, vals []float64) error {
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &RangeError{Param: fmt.Sprintf("%s[%d]", name, i), Value: v, Reason: "must be a finite number"}
		}
	}
	return nil
}

// ValidateSkyCenter checks an (RA, Dec) pair in degrees.
func ValidateSkyCenter(name string, c [2]float64) error {
	return validateSkyCenter(name, c[:])
}
