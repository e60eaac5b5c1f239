package sky

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/inference-sim/xraysim/sim"
)

// SpeedOfLight in km/s.
const SpeedOfLight = 299792.458

// Cosmology is a Friedmann-Lemaître model without radiation.
type Cosmology struct {
	H0     float64 // km/s/Mpc
	OmegaM float64
	OmegaL float64
}

// DefaultCosmology is the concordance model used for the reference
// observations.
var DefaultCosmology = Cosmology{H0: 71, OmegaM: 0.27, OmegaL: 0.73}

// quadPoints is the Gauss-Legendre order of the comoving distance integral.
const quadPoints = 64

// AngularDiameterDistance returns D_A(z) in Mpc.
func (c Cosmology) AngularDiameterDistance(z float64) (float64, error) {
	if err := sim.ValidateFinitePositive("redshift", z); err != nil {
		return 0, err
	}
	if err := sim.ValidateFinitePositive("cosmology.h0", c.H0); err != nil {
		return 0, err
	}
	ok := 1 - c.OmegaM - c.OmegaL
	invE := func(zp float64) float64 {
		a := 1 + zp
		return 1 / math.Sqrt(c.OmegaM*a*a*a+ok*a*a+c.OmegaL)
	}
	hubble := SpeedOfLight / c.H0
	dc := hubble * quad.Fixed(invE, 0, z, quadPoints, nil, 0)

	dm := dc
	switch {
	case ok > 1e-12:
		s := math.Sqrt(ok)
		dm = hubble / s * math.Sinh(s*dc/hubble)
	case ok < -1e-12:
		s := math.Sqrt(-ok)
		dm = hubble / s * math.Sin(s*dc/hubble)
	}
	return dm / (1 + z), nil
}
