// Package sim holds the shared kernel of the synthetic X-ray observation
// pipeline.
//
// # Reading Guide
//
// Start with these files:
//   - config.go: PipelineConfig, the explicit per-run configuration
//   - rng.go: PartitionedRNG, per-subsystem and per-work-unit random streams
//   - artifact.go: atomic writes and the YAML header + CSV artifact layout
//
// # Architecture
//
// Each pipeline stage lives in a sub-package and consumes the previous
// stage's artifact:
//   - sim/spectral/: emissivity providers and the (kT, E) spectral table
//   - sim/photon/: source regions and photon list sampling
//   - sim/sky/: line-of-sight projection, absorption and event catalogs
//   - sim/response/: instrument descriptors and calibration curves
//   - sim/background/: reusable background event streams
//   - sim/instrument/: instrument folding and detector event lists
//   - sim/pipeline/: the stages chained end to end
//
// Stages never share mutable state. Parallel work is split into fixed work
// units (source elements, photon chunks, background components) that each
// draw from their own stream via PartitionedRNG.ForUnit, and results are
// concatenated in unit order, so artifacts do not depend on the number of
// workers.
package sim
