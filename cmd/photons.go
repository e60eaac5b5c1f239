package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/photon"
	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

var sourceBindings = map[string]string{
	"region":            "source.region",
	"source-id":         "source.source_id",
	"redshift":          "source.redshift",
	"area":              "source.area",
	"exposure":          "source.exposure_time",
	"center":            "source.center",
	"distance-mpc":      "source.distance_mpc",
	"fail-on-underflow": "source.fail_on_underflow",
	"out-dir":           "run.out_dir",
	"name":              "run.name",
}

func addSourceFlags(cmd *cobra.Command) {
	d := sim.DefaultPipelineConfig()
	f := cmd.Flags()
	f.String("region", "", "Source region CSV (x,y,z,size,temperature,emission_measure,metallicity)")
	f.String("source-id", d.Source.SourceID, "Source identity recorded in artifact headers")
	f.Float64("redshift", d.Source.Redshift, "Source redshift")
	f.Float64("area", d.Source.Area, "Generating collecting area (cm²)")
	f.Float64("exposure", d.Source.ExposureTime, "Generating exposure time (s)")
	f.String("center", "0,0,0", "Reference center x,y,z (kpc)")
	f.Float64("distance-mpc", 0, "Angular-diameter distance override (Mpc)")
	f.Bool("fail-on-underflow", false, "Fail when the region contributes no expected photons")
	f.String("out-dir", d.Run.OutDir, "Artifact directory")
	f.String("name", d.Run.Name, "Artifact base name")
}

func newPhotonsCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "photons",
		Short: "Sample a photon list from a source region",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, merged(spectrumBindings, sourceBindings))
			if err != nil {
				return err
			}
			if err := cfg.Spectrum.Validate(); err != nil {
				return err
			}
			if err := cfg.Source.Validate(); err != nil {
				return err
			}
			if cfg.Source.RegionPath == "" {
				return fmt.Errorf("--region is required")
			}
			region, err := photon.LoadRegionCSV(cfg.Source.RegionPath)
			if err != nil {
				return err
			}
			recorder := telemetry.NewRecorder()
			table, err := pipeline.BuildTable(cmd.Context(), cfg, pipeline.Options{Metrics: recorder})
			if err != nil {
				return err
			}
			list, err := pipeline.SamplePhotons(cmd.Context(), cfg, table, region, recorder)
			if err != nil {
				return err
			}
			if out == "" {
				out = pipeline.PhotonListPath(cfg)
			}
			if err := photon.WriteList(out, list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d photons (expected %.1f) to %s\n",
				list.Len(), list.Header.Summary.ExpectedCount, out)
			return recorder.WriteTextfile(cfg.Run.MetricsFile)
		},
	}
	addSpectrumFlags(cmd)
	addSourceFlags(cmd)
	cmd.Flags().StringVar(&out, "out", "", "Photon list path (default <out-dir>/<name>_photons.xphl)")
	return cmd
}

// merged combines flag binding sets.
func merged(sets ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}
