// Package response loads instrument descriptors and exposes the
// calibration they reference: effective area, point-spread function,
// energy redistribution, vignetting and the detector pixel grid.
//
// A descriptor is strict YAML. Calibration tables are CSV files resolved
// relative to the descriptor's directory. Every failure to read or
// validate calibration data is a *sim.CalibrationError.
package response

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/xraysim/sim"
)

var descriptorValidate = validator.New()

// AreaSpec is an effective-area curve, inline or from a CSV file with
// columns energy (keV) and area (cm²).
type AreaSpec struct {
	File   string    `yaml:"file,omitempty"`
	Energy []float64 `yaml:"energy,omitempty" validate:"omitempty,min=2,dive,gt=0"`
	Area   []float64 `yaml:"area,omitempty" validate:"omitempty,min=2,dive,gte=0"`
}

// PSFSpec is a Gaussian point-spread function. File optionally gives an
// energy-dependent FWHM curve (energy keV, fwhm arcsec) that replaces FWHM.
type PSFSpec struct {
	FWHM float64 `yaml:"fwhm" validate:"gte=0"` // arcsec
	File string  `yaml:"file,omitempty"`
}

// ResponseSpec describes the channel grid and the redistribution. Without
// a matrix file the response is Gaussian with FWHM at ReferenceEnergy,
// scaling as sqrt(E).
type ResponseSpec struct {
	Channels        int     `yaml:"channels" validate:"gt=0"`
	EMin            float64 `yaml:"emin" validate:"gt=0"`              // keV
	EMax            float64 `yaml:"emax" validate:"gtfield=EMin"`      // keV
	FWHM            float64 `yaml:"fwhm" validate:"gte=0"`             // keV at ReferenceEnergy
	ReferenceEnergy float64 `yaml:"reference_energy" validate:"gte=0"` // keV, default 1
	Matrix          string  `yaml:"matrix,omitempty"`                  // CSV rows: energy_lo, energy_hi, p_0..p_{N-1}
}

// BackgroundSpec parameterizes the background components.
type BackgroundSpec struct {
	// Instrumental particle background, counts/s/keV/arcmin², flat in
	// channel and uniform over the detector.
	InstrumentalRate float64 `yaml:"instrumental_rate" validate:"gte=0"`
	// Diffuse foreground: thermal plasma at ForegroundKT (keV) with
	// surface brightness photons/s/cm²/arcmin² over the response band.
	ForegroundKT         float64 `yaml:"foreground_kt" validate:"gte=0"`
	ForegroundBrightness float64 `yaml:"foreground_brightness" validate:"gte=0"`
	// Unresolved point sources: N(>S) = K·(S/S0)^-alpha per deg² over
	// [SMin, SMax], fluxes in photons/s/cm² over the response band, each
	// with a power-law spectrum of index PhotonIndex.
	LogNLogS LogNLogS `yaml:"lognlogs"`
}

// LogNLogS is a cumulative source-count power law.
type LogNLogS struct {
	K           float64 `yaml:"k" validate:"gte=0"`
	S0          float64 `yaml:"s0" validate:"gte=0"`
	Alpha       float64 `yaml:"alpha" validate:"gte=0"`
	SMin        float64 `yaml:"smin" validate:"gte=0"`
	SMax        float64 `yaml:"smax" validate:"gte=0"`
	PhotonIndex float64 `yaml:"photon_index"`
}

// Descriptor is an instrument description together with its loaded
// calibration. Use LoadDescriptor or Init before querying it.
type Descriptor struct {
	Name          string         `yaml:"name" validate:"required"`
	NumPixels     int            `yaml:"num_pixels" validate:"gt=0"`
	PixelScale    float64        `yaml:"pixel_scale" validate:"gt=0"` // arcsec per pixel
	FOV           float64        `yaml:"fov" validate:"gt=0"`         // arcmin, side of the field used for sky backgrounds
	EffectiveArea AreaSpec       `yaml:"effective_area"`
	PSF           PSFSpec        `yaml:"psf"`
	Response      ResponseSpec   `yaml:"response"`
	Vignetting    float64        `yaml:"vignetting" validate:"gte=0"` // fractional loss per arcmin² of off-axis angle
	Background    BackgroundSpec `yaml:"background"`

	area *AreaCurve
	psf  *psfModel
	rmf  Redistribution
}

// LoadDescriptor reads, validates and initializes a descriptor.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &sim.CalibrationError{Item: "descriptor " + path, Err: err}
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var d Descriptor
	if err := decoder.Decode(&d); err != nil {
		return nil, &sim.CalibrationError{Item: "descriptor " + path, Err: err}
	}
	if err := d.Init(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &d, nil
}

// Init validates d and loads the calibration it references, resolving
// relative file names against dir.
func (d *Descriptor) Init(dir string) error {
	if err := descriptorValidate.Struct(d); err != nil {
		return &sim.CalibrationError{Instrument: d.Name, Item: "descriptor", Err: err}
	}
	if d.Response.ReferenceEnergy == 0 {
		d.Response.ReferenceEnergy = 1
	}

	area, err := loadArea(d.EffectiveArea, dir)
	if err != nil {
		return &sim.CalibrationError{Instrument: d.Name, Item: "effective_area", Err: err}
	}
	d.area = area

	psf, err := loadPSF(d.PSF, dir)
	if err != nil {
		return &sim.CalibrationError{Instrument: d.Name, Item: "psf", Err: err}
	}
	d.psf = psf

	if d.Response.Matrix != "" {
		m, err := LoadMatrix(resolve(dir, d.Response.Matrix), d.Response.Channels)
		if err != nil {
			return &sim.CalibrationError{Instrument: d.Name, Item: "response", Err: err}
		}
		d.rmf = m
	} else {
		d.rmf = GaussianResponse{
			NumChannels:     d.Response.Channels,
			EMin:            d.Response.EMin,
			EMax:            d.Response.EMax,
			FWHM:            d.Response.FWHM,
			ReferenceEnergy: d.Response.ReferenceEnergy,
		}
	}
	return nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func (d *Descriptor) mustInit() {
	if d.area == nil || d.psf == nil || d.rmf == nil {
		panic(fmt.Sprintf("instrument %q used before Init", d.Name))
	}
}

// Area returns the effective-area curve.
func (d *Descriptor) Area() EffectiveArea {
	d.mustInit()
	return d.area
}

// Redistribution returns the energy response.
func (d *Descriptor) Redistribution() Redistribution {
	d.mustInit()
	return d.rmf
}

// Channels returns the number of energy channels.
func (d *Descriptor) Channels() int { return d.Response.Channels }

// DetectorSide returns the detector side in arcmin.
func (d *Descriptor) DetectorSide() float64 {
	return float64(d.NumPixels) * d.PixelScale / 60
}

// DetectorArea returns the detector solid angle in arcmin².
func (d *Descriptor) DetectorArea() float64 {
	s := d.DetectorSide()
	return s * s
}

// FieldArea returns the background field solid angle in arcmin².
func (d *Descriptor) FieldArea() float64 { return d.FOV * d.FOV }
