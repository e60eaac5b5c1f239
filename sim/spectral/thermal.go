package spectral

import "math"

// bremsNorm is the free-free photon flux density (photons/cm²/s/keV) of a
// unit XSPEC-normalized emission measure at kT = 1 keV, before the Gaunt
// factor and exponential cutoff.
const bremsNorm = 0.302

// metalContinuumFraction is the share of the continuum from metal
// recombination at solar abundance.
const metalContinuumFraction = 0.04

// lineTemplate describes one emission line whose strength peaks log-normally
// around the temperature of maximum ion fraction.
type lineTemplate struct {
	ion    string
	energy float64 // keV
	mass   float64 // amu
	peakKT float64 // keV
	width  float64 // in ln(kT)
	peak   float64 // photons per unit EM at peakKT
}

// thermalLines lists the strongest diagnostic lines of a solar-abundance
// plasma between 0.1 and 10 keV.
var thermalLines = []lineTemplate{
	{"O VII", 0.5740, 16.00, 0.20, 0.55, 4.5e-3},
	{"O VIII", 0.6536, 16.00, 0.30, 0.60, 6.0e-3},
	{"Fe XVII", 0.8260, 55.85, 0.40, 0.50, 3.6e-3},
	{"Ne X", 1.0220, 20.18, 0.60, 0.60, 1.8e-3},
	{"Mg XII", 1.4721, 24.31, 1.00, 0.60, 9.0e-4},
	{"Si XIII", 1.8650, 28.09, 1.00, 0.55, 1.2e-3},
	{"Si XIV", 2.0061, 28.09, 1.80, 0.60, 6.0e-4},
	{"S XV", 2.4606, 32.06, 1.60, 0.55, 4.5e-4},
	{"Fe XXV", 6.7004, 55.85, 5.00, 0.70, 7.5e-4},
	{"Fe XXVI", 6.9730, 55.85, 9.00, 0.60, 3.0e-4},
}

// ThermalPlasma is an analytic collisional-equilibrium plasma model:
// thermal bremsstrahlung with an approximate free-free Gaunt factor plus a
// list of temperature-peaked metal lines. It stands in for an atomic
// database export when none is configured.
type ThermalPlasma struct{}

// Name implements EmissivityProvider.
func (ThermalPlasma) Name() string { return "thermal-plasma" }

// Emissivity implements EmissivityProvider. Lines are returned separately
// by Lines.
func (ThermalPlasma) Emissivity(kT, energy float64) (continuum, metals float64) {
	if kT <= 0 || energy <= 0 {
		return 0, 0
	}
	ff := bremsNorm * gauntFF(kT, energy) * math.Exp(-energy/kT) / (energy * math.Sqrt(kT))
	return ff, metalContinuumFraction * ff
}

// Lines implements LineEmitter.
func (ThermalPlasma) Lines(kT float64) []Line {
	if kT <= 0 {
		return nil
	}
	lines := make([]Line, 0, len(thermalLines))
	for _, t := range thermalLines {
		d := math.Log(kT / t.peakKT)
		s := t.peak * math.Exp(-d*d/(2*t.width*t.width))
		if s < 1e-30 {
			continue
		}
		lines = append(lines, Line{Energy: t.energy, Emissivity: s, AtomicMass: t.mass, Metal: true})
	}
	return lines
}

// gauntFF approximates the velocity-averaged free-free Gaunt factor:
// logarithmic below kT, a slow power-law decline above.
func gauntFF(kT, energy float64) float64 {
	x := energy / kT
	if x < 1 {
		return 1 + math.Sqrt(3)/math.Pi*math.Log(1/x+1)
	}
	return (1 + math.Sqrt(3)/math.Pi*math.Ln2) * math.Pow(x, -0.4)
}
