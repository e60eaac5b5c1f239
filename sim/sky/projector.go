package sky

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/photon"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// ProjectorConfig holds the projection parameters.
type ProjectorConfig struct {
	Axis        string
	North       string
	SkyCenter   [2]float64 // RA, Dec degrees
	Absorption  AbsorptionModel
	NH          float64 // recorded in the header only
	DistanceMpc float64 // 0: angular-diameter distance from the photon list redshift
	Cosmology   Cosmology
	Seed        int64
	Workers     int
	Metrics     *telemetry.Recorder
}

// chunkSize is the number of photons thinned per random stream.
const chunkSize = 1 << 16

const kpcPerMpc = 1000.0

// Project rotates list into the sky plane about cfg.SkyCenter and thins it
// with the absorption model. Survivors keep their relative order.
func Project(ctx context.Context, list *photon.List, cfg ProjectorConfig) (*Catalog, error) {
	if list == nil {
		return nil, errors.New("nil photon list")
	}
	if err := sim.ValidateSkyCenter("sky_center", cfg.SkyCenter); err != nil {
		return nil, err
	}
	basis, err := ParseAxis(cfg.Axis, cfg.North)
	if err != nil {
		return nil, err
	}
	absorption := cfg.Absorption
	if absorption == nil {
		absorption = NoAbsorption{}
	}
	dist, err := resolveDistance(cfg, list.Header.Redshift)
	if err != nil {
		return nil, err
	}
	timer := cfg.Metrics.StageTimer("projection")
	defer timer()

	n := list.Len()
	nchunks := (n + chunkSize - 1) / chunkSize
	chunks := make([][]SkyEvent, nchunks)
	rngs := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))
	ra0 := cfg.SkyCenter[0] * math.Pi / 180
	dec0 := cfg.SkyCenter[1] * math.Pi / 180
	scale := 1 / (dist * kpcPerMpc)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for k := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rngs.ForUnit(sim.SubsystemProjection, k)
			start := k * chunkSize
			end := min(start+chunkSize, n)
			out := make([]SkyEvent, 0, end-start)
			for i := start; i < end; i++ {
				// Every photon consumes one draw so the stream position
				// does not depend on earlier outcomes.
				u := rng.Float64()
				if !(u < absorption.Survival(list.Energy[i])) {
					continue
				}
				x, y := basis.Plane(r3.Vec{X: list.X[i], Y: list.Y[i], Z: list.Z[i]})
				ra, dec := InverseGnomonic(ra0, dec0, x*scale, y*scale)
				out = append(out, SkyEvent{RA: ra, Dec: dec, Energy: list.Energy[i], Time: list.Time[i]})
			}
			chunks[k] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	events := make([]SkyEvent, 0, total)
	for _, c := range chunks {
		events = append(events, c...)
	}

	cat := &Catalog{
		Header: CatalogHeader{
			Version:      CatalogVersion,
			RunID:        uuid.NewString(),
			Seed:         cfg.Seed,
			SourceID:     list.Header.SourceID,
			SkyCenter:    cfg.SkyCenter,
			Axis:         cfg.Axis,
			North:        cfg.North,
			Absorption:   absorption.Name(),
			NH:           cfg.NH,
			Redshift:     list.Header.Redshift,
			DistanceMpc:  dist,
			Area:         list.Header.Area,
			ExposureTime: list.Header.ExposureTime,
			PhotonsIn:    n,
			EventsOut:    total,
		},
		Events: events,
	}
	cfg.Metrics.ObserveProjection(n, total)
	logrus.WithFields(logrus.Fields{
		"source":     cat.Header.SourceID,
		"absorption": cat.Header.Absorption,
		"photons":    n,
		"events":     total,
	}).Info("sky projection complete")
	return cat, nil
}

func resolveDistance(cfg ProjectorConfig, z float64) (float64, error) {
	if cfg.DistanceMpc != 0 {
		if err := sim.ValidateFinitePositive("distance_mpc", cfg.DistanceMpc); err != nil {
			return 0, err
		}
		return cfg.DistanceMpc, nil
	}
	if z == 0 {
		return 0, &sim.RangeError{Param: "distance_mpc", Value: 0, Reason: "required when redshift is 0"}
	}
	cosmo := cfg.Cosmology
	if cosmo == (Cosmology{}) {
		cosmo = DefaultCosmology
	}
	return cosmo.AngularDiameterDistance(z)
}

// InverseGnomonic maps tangent-plane offsets (radians, xi toward east, eta
// toward north) about (ra0, dec0) in radians to (RA, Dec) in degrees, with
// RA in [0, 360).
func InverseGnomonic(ra0, dec0, xi, eta float64) (ra, dec float64) {
	rho := math.Hypot(xi, eta)
	if rho == 0 {
		return normalizeRA(ra0 * 180 / math.Pi), dec0 * 180 / math.Pi
	}
	c := math.Atan(rho)
	sinC, cosC := math.Sincos(c)
	sinD0, cosD0 := math.Sincos(dec0)
	dec = math.Asin(cosC*sinD0 + eta*sinC*cosD0/rho)
	ra = ra0 + math.Atan2(xi*sinC, rho*cosD0*cosC-eta*sinD0*sinC)
	return normalizeRA(ra * 180 / math.Pi), dec * 180 / math.Pi
}

// Gnomonic is the inverse of InverseGnomonic: (RA, Dec) in degrees to
// tangent-plane offsets in radians. ok is false for points on the far
// hemisphere.
func Gnomonic(ra0, dec0, ra, dec float64) (xi, eta float64, ok bool) {
	r := ra * math.Pi / 180
	d := dec * math.Pi / 180
	sinD, cosD := math.Sincos(d)
	sinD0, cosD0 := math.Sincos(dec0)
	sinDR, cosDR := math.Sincos(r - ra0)
	cosC := sinD0*sinD + cosD0*cosD*cosDR
	if cosC <= 0 {
		return 0, 0, false
	}
	xi = cosD * sinDR / cosC
	eta = (cosD0*sinD - sinD0*cosD*cosDR) / cosC
	return xi, eta, true
}

func normalizeRA(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
