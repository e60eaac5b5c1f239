package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/background"
	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/response"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

var observationBindings = map[string]string{
	"instrument":  "observation.instrument",
	"exposure":    "observation.exposure_time",
	"instr-bkgnd": "observation.instr_bkgnd",
	"foreground":  "observation.foreground",
	"ptsrc-bkgnd": "observation.ptsrc_bkgnd",
	"sky-center":  "projection.sky_center",
	"out-dir":     "run.out_dir",
	"name":        "run.name",
}

func addObservationFlags(cmd *cobra.Command) {
	d := sim.DefaultPipelineConfig()
	f := cmd.Flags()
	f.String("instrument", "", "Instrument descriptor (YAML)")
	f.Float64("exposure", d.Observation.ExposureTime, "Observation exposure time (s)")
	f.Bool("instr-bkgnd", d.Observation.InstrumentalBackground, "Include the instrumental background")
	f.Bool("foreground", d.Observation.Foreground, "Include the diffuse Galactic foreground")
	f.Bool("ptsrc-bkgnd", d.Observation.PointSourceBackground, "Include unresolved point sources")
	f.String("sky-center", "30,45", "Aim point RA,Dec (degrees)")
	f.String("out-dir", d.Run.OutDir, "Artifact directory")
	f.String("name", d.Run.Name, "Artifact base name")
}

func newBackgroundCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "background",
		Short: "Synthesize a reusable background stream for an instrument and exposure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, observationBindings)
			if err != nil {
				return err
			}
			if cfg.Observation.Instrument == "" {
				return fmt.Errorf("--instrument is required")
			}
			desc, err := response.LoadDescriptor(cfg.Observation.Instrument)
			if err != nil {
				return err
			}
			if len(cfg.Projection.SkyCenter) != 2 {
				return fmt.Errorf("sky center needs RA and Dec")
			}
			recorder := telemetry.NewRecorder()
			stream, err := background.Synthesize(cmd.Context(), background.Config{
				Instrument:   desc,
				ExposureTime: cfg.Observation.ExposureTime,
				SkyCenter:    [2]float64{cfg.Projection.SkyCenter[0], cfg.Projection.SkyCenter[1]},
				Flags:        pipeline.FlagsFromConfig(cfg.Observation),
				Seed:         cfg.Run.Seed,
				Metrics:      recorder,
			})
			if err != nil {
				return err
			}
			paths := background.StreamPaths(pipeline.BaseName(cfg))
			if err := background.WriteStream(paths, stream); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d background events to %s\n", len(stream.Events), paths.Data)
			return recorder.WriteTextfile(cfg.Run.MetricsFile)
		},
	}
	addObservationFlags(cmd)
	return cmd
}
