// Package spectral builds and queries the thermal-emission lookup table
// that drives photon sampling.
//
// # Reading Guide
//
//   - provider.go: the EmissivityProvider capability injected by callers
//   - thermal.go, tabulated.go: the built-in analytic plasma and the CSV-backed provider
//   - table.go: table construction, temperature interpolation and energy sampling
//   - cache.go: badger-backed build-once cache for finished tables
//
// The table is expensive to build and cheap to query. Build it once per run
// (or fetch it from the Cache) and share the *Table read-only between workers.
package spectral

// EmissivityProvider supplies photon emissivity density per unit emission
// measure per keV at temperature kT (keV) and rest-frame energy (keV),
// split into a hydrogen/helium continuum and a part that scales linearly
// with metallicity.
type EmissivityProvider interface {
	Name() string
	Emissivity(kT, energy float64) (continuum, metals float64)
}

// Line is a discrete emission feature, integrated over its profile.
type Line struct {
	Energy     float64 // keV, rest frame
	Emissivity float64 // photons per unit emission measure
	AtomicMass float64 // amu, sets the thermal width
	Metal      bool    // scales with metallicity
}

// LineEmitter is implemented by providers whose line features are supplied
// separately from the smooth continuum, so that the table builder can apply
// thermal broadening to them.
type LineEmitter interface {
	Lines(kT float64) []Line
}
