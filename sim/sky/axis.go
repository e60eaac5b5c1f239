// Package sky projects photon lists onto the sky and persists the
// resulting event catalogs.
//
// Projection rotates photon positions into the plane perpendicular to the
// line of sight, converts offsets to angles with the angular-diameter
// distance and places them about the sky center with an inverse gnomonic
// projection. Foreground absorption thins the photons independently with
// a per-chunk random stream, and survivors keep their input order.
package sky

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/inference-sim/xraysim/sim"
)

// Basis is an orthonormal frame: LOS points along the line of sight,
// East and North span the sky plane with East = North × LOS.
type Basis struct {
	LOS   r3.Vec
	East  r3.Vec
	North r3.Vec
}

// parallelTolerance bounds |north · los| for a usable north vector.
const parallelTolerance = 1 - 1e-9

// ParseVector parses "a,b,c" into a vector.
func ParseVector(s string) (r3.Vec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vec{}, fmt.Errorf("want three comma-separated components, got %d", len(parts))
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vec{}, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = f
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ParseAxis resolves a projection axis ("x", "y", "z" or "a,b,c") and an
// optional north vector ("" for the default) into a basis.
//
// The named axes keep the conventional image orientation: x projects onto
// (y, z), y onto (z, x), z onto (x, y). For an arbitrary direction the
// default north is the coordinate axis least aligned with the line of
// sight.
func ParseAxis(axis, north string) (Basis, error) {
	switch strings.ToLower(strings.TrimSpace(axis)) {
	case "x":
		return Basis{LOS: r3.Vec{X: 1}, East: r3.Vec{Y: 1}, North: r3.Vec{Z: 1}}, nil
	case "y":
		return Basis{LOS: r3.Vec{Y: 1}, East: r3.Vec{Z: 1}, North: r3.Vec{X: 1}}, nil
	case "z":
		return Basis{LOS: r3.Vec{Z: 1}, East: r3.Vec{X: 1}, North: r3.Vec{Y: 1}}, nil
	}
	los, err := ParseVector(axis)
	if err != nil {
		return Basis{}, &sim.InvalidAxisError{Axis: axis, Reason: err.Error()}
	}
	var up *r3.Vec
	if strings.TrimSpace(north) != "" {
		n, err := ParseVector(north)
		if err != nil {
			return Basis{}, &sim.InvalidAxisError{Axis: north, Reason: "north vector: " + err.Error()}
		}
		up = &n
	}
	return NewBasis(los, up)
}

// NewBasis builds the frame for an arbitrary line of sight. A nil north
// selects the default.
func NewBasis(los r3.Vec, north *r3.Vec) (Basis, error) {
	name := fmt.Sprintf("%g,%g,%g", los.X, los.Y, los.Z)
	if !finite(los) {
		return Basis{}, &sim.InvalidAxisError{Axis: name, Reason: "components must be finite"}
	}
	norm := r3.Norm(los)
	if norm == 0 {
		return Basis{}, &sim.InvalidAxisError{Axis: name, Reason: "zero vector"}
	}
	los = r3.Scale(1/norm, los)

	var up r3.Vec
	if north != nil {
		if !finite(*north) || r3.Norm(*north) == 0 {
			return Basis{}, &sim.InvalidAxisError{Axis: name, Reason: "north vector must be finite and non-zero"}
		}
		up = r3.Unit(*north)
	} else {
		up = leastAligned(los)
	}
	if math.Abs(r3.Dot(up, los)) > parallelTolerance {
		return Basis{}, &sim.InvalidAxisError{Axis: name, Reason: "north vector is parallel to the line of sight"}
	}
	// Gram-Schmidt: remove the line-of-sight component from north.
	n := r3.Unit(r3.Sub(up, r3.Scale(r3.Dot(up, los), los)))
	e := r3.Cross(n, los)
	return Basis{LOS: los, East: e, North: n}, nil
}

// leastAligned returns the coordinate axis with the smallest component
// along v; ties go to the earlier axis.
func leastAligned(v r3.Vec) r3.Vec {
	ax, ay, az := math.Abs(v.X), math.Abs(v.Y), math.Abs(v.Z)
	switch {
	case ax <= ay && ax <= az:
		return r3.Vec{X: 1}
	case ay <= az:
		return r3.Vec{Y: 1}
	default:
		return r3.Vec{Z: 1}
	}
}

func finite(v r3.Vec) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Plane returns the sky-plane coordinates of p.
func (b Basis) Plane(p r3.Vec) (x, y float64) {
	return r3.Dot(p, b.East), r3.Dot(p, b.North)
}
