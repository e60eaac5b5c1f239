package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/photon"
	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/sky"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

var projectionBindings = map[string]string{
	"axis":             "projection.axis",
	"north":            "projection.north",
	"sky-center":       "projection.sky_center",
	"absorption":       "projection.absorption",
	"nh":               "projection.nh",
	"absorption-table": "projection.absorption_table",
	"distance-mpc":     "source.distance_mpc",
	"out-dir":          "run.out_dir",
	"name":             "run.name",
}

func newProjectCmd(opts *rootOptions) *cobra.Command {
	var photons string
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project a photon list onto the sky as an event catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, projectionBindings)
			if err != nil {
				return err
			}
			if err := cfg.Projection.Validate(); err != nil {
				return err
			}
			if photons == "" {
				photons = pipeline.PhotonListPath(cfg)
			}
			list, err := photon.ReadList(photons)
			if err != nil {
				return err
			}
			recorder := telemetry.NewRecorder()
			cat, err := pipeline.ProjectCatalog(cmd.Context(), cfg, list, recorder)
			if err != nil {
				return err
			}
			paths := sky.CatalogPaths(pipeline.BaseName(cfg))
			if err := sky.WriteCatalog(paths, cat); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "projected %d of %d photons to %s\n",
				len(cat.Events), list.Len(), paths.Data)
			return recorder.WriteTextfile(cfg.Run.MetricsFile)
		},
	}
	d := sim.DefaultPipelineConfig()
	f := cmd.Flags()
	f.StringVar(&photons, "photons", "", "Photon list to project (default <out-dir>/<name>_photons.xphl)")
	f.String("axis", d.Projection.Axis, "Line of sight: x, y, z or a direction a,b,c")
	f.String("north", "", "North vector a,b,c for an arbitrary line of sight")
	f.String("sky-center", "30,45", "Sky center RA,Dec (degrees)")
	f.String("absorption", d.Projection.Absorption, "Foreground absorption: none, opaque, powerlaw or tabulated")
	f.Float64("nh", d.Projection.NH, "Foreground column density (10^22 cm^-2)")
	f.String("absorption-table", "", "Cross-section CSV (energy keV, sigma cm²) for tabulated absorption")
	f.Float64("distance-mpc", 0, "Angular-diameter distance override (Mpc)")
	f.String("out-dir", d.Run.OutDir, "Artifact directory")
	f.String("name", d.Run.Name, "Artifact base name")
	return cmd
}
