package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

// runSummary is printed after a full pipeline run.
type runSummary struct {
	Photons    string  `yaml:"photons"`
	Catalog    string  `yaml:"catalog"`
	EventList  string  `yaml:"event_list"`
	Expected   float64 `yaml:"expected_photons"`
	Sampled    int     `yaml:"sampled_photons"`
	Clamped    int     `yaml:"clamped_elements"`
	Skipped    int     `yaml:"skipped_elements"`
	Projected  int     `yaml:"projected_events"`
	Source     int     `yaml:"source_events"`
	Background int     `yaml:"background_events"`
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole pipeline from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, map[string]string{
				"region":     "source.region",
				"instrument": "observation.instrument",
				"background": "observation.background",
				"out-dir":    "run.out_dir",
				"name":       "run.name",
				"cache":      "run.table_cache",
			})
			if err != nil {
				return err
			}
			res, err := pipeline.Run(cmd.Context(), cfg, pipeline.Options{Metrics: telemetry.NewRecorder()})
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(runSummary{
				Photons:    res.PhotonsPath,
				Catalog:    res.Catalog.Data,
				EventList:  res.EventList.Data,
				Expected:   res.Photons.ExpectedCount,
				Sampled:    res.Photons.RealizedCount,
				Clamped:    res.Photons.Clamped,
				Skipped:    res.Photons.Skipped,
				Projected:  res.Projected,
				Source:     res.Source,
				Background: res.Background,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	f := cmd.Flags()
	f.String("region", "", "Source region CSV")
	f.String("instrument", "", "Instrument descriptor (YAML)")
	f.String("background", "", "Precomputed background stream base name; overrides the background switches")
	f.String("out-dir", ".", "Artifact directory")
	f.String("name", "evt", "Artifact base name")
	f.String("cache", "", "Directory of the persistent spectral table cache")
	return cmd
}
