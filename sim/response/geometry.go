package response

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/interp"

	"github.com/inference-sim/xraysim/sim/sampling"
)

// psfModel is a Gaussian PSF with a constant or energy-dependent FWHM.
type psfModel struct {
	fwhm  float64 // arcsec
	curve *interp.PiecewiseLinear
}

func loadPSF(spec PSFSpec, dir string) (*psfModel, error) {
	p := &psfModel{fwhm: spec.FWHM}
	if spec.File == "" {
		return p, nil
	}
	energy, fwhm, err := readPairs(resolve(dir, spec.File))
	if err != nil {
		return nil, err
	}
	// Reuse the area validation: increasing energies, non-negative values.
	if _, err := NewAreaCurve(energy, fwhm); err != nil {
		return nil, err
	}
	p.curve = &interp.PiecewiseLinear{}
	if err := p.curve.Fit(energy, fwhm); err != nil {
		return nil, err
	}
	return p, nil
}

// sigma returns the PSF standard deviation in arcsec at energy.
func (p *psfModel) sigma(energy float64) float64 {
	fwhm := p.fwhm
	if p.curve != nil {
		fwhm = p.curve.Predict(energy)
	}
	return fwhm * fwhmToSigma
}

// PSFSigma returns the PSF standard deviation in arcsec at energy (keV).
func (d *Descriptor) PSFSigma(energy float64) float64 {
	d.mustInit()
	return d.psf.sigma(energy)
}

// Blur displaces a tangent-plane position (arcsec) by the PSF at energy.
func (d *Descriptor) Blur(rng *rand.Rand, x, y, energy float64) (float64, float64) {
	sigma := d.PSFSigma(energy)
	return sampling.Normal(rng, x, sigma), sampling.Normal(rng, y, sigma)
}

// VignettingFactor returns the fraction of on-axis area retained at an
// off-axis angle theta (arcmin).
func (d *Descriptor) VignettingFactor(theta float64) float64 {
	return math.Max(0, 1-d.Vignetting*theta*theta)
}

// ToPixel maps a tangent-plane offset from the aim point (arcsec) to
// detector pixel indices. Pixel (0, 0) is the lower-left corner and the aim
// point is the detector center. ok is false off the detector.
func (d *Descriptor) ToPixel(x, y float64) (px, py int, ok bool) {
	half := 0.5 * float64(d.NumPixels)
	fx := math.Floor(half + x/d.PixelScale)
	fy := math.Floor(half + y/d.PixelScale)
	n := float64(d.NumPixels)
	if !(fx >= 0 && fx < n && fy >= 0 && fy < n) {
		return 0, 0, false
	}
	return int(fx), int(fy), true
}

// PixelCenter is the inverse of ToPixel at pixel centers.
func (d *Descriptor) PixelCenter(px, py int) (x, y float64) {
	half := 0.5 * float64(d.NumPixels)
	return (float64(px) + 0.5 - half) * d.PixelScale, (float64(py) + 0.5 - half) * d.PixelScale
}
