package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/xraysim/sim/background"
	"github.com/inference-sim/xraysim/sim/instrument"
	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/response"
	"github.com/inference-sim/xraysim/sim/sky"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

func newObserveCmd(opts *rootOptions) *cobra.Command {
	var catalog string
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Simulate an instrument observation of an event catalog",
		Long: "Simulate an instrument observation of an event catalog.\n\n" +
			"With --background the precomputed stream is merged as is and the\n" +
			"--instr-bkgnd, --foreground and --ptsrc-bkgnd switches are ignored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, merged(observationBindings, map[string]string{"background": "observation.background"}))
			if err != nil {
				return err
			}
			if cfg.Observation.Instrument == "" {
				return fmt.Errorf("--instrument is required")
			}
			if catalog == "" {
				catalog = pipeline.BaseName(cfg)
			}
			cat, err := sky.ReadCatalog(sky.CatalogPaths(catalog))
			if err != nil {
				return err
			}
			desc, err := response.LoadDescriptor(cfg.Observation.Instrument)
			if err != nil {
				return err
			}
			var stream *background.Stream
			if cfg.Observation.BackgroundPath != "" {
				if stream, err = background.ReadStream(background.StreamPaths(cfg.Observation.BackgroundPath)); err != nil {
					return err
				}
				logrus.Infof("using background stream %s; background switches ignored", cfg.Observation.BackgroundPath)
			}
			if len(cfg.Projection.SkyCenter) == 2 && cat.Header.SkyCenter != [2]float64{cfg.Projection.SkyCenter[0], cfg.Projection.SkyCenter[1]} {
				logrus.Warnf("aim point %v differs from the catalog sky center %v", cfg.Projection.SkyCenter, cat.Header.SkyCenter)
			}

			recorder := telemetry.NewRecorder()
			events, err := pipeline.Observe(cmd.Context(), cfg, cat, desc, stream, recorder)
			if err != nil {
				return err
			}
			paths := instrument.EventListPaths(pipeline.BaseName(cfg))
			if err := instrument.WriteEventList(paths, events); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d source and %d background events to %s\n",
				events.Header.SourceEvents, events.Header.BackgroundEvents, paths.Data)
			return recorder.WriteTextfile(cfg.Run.MetricsFile)
		},
	}
	addObservationFlags(cmd)
	cmd.Flags().StringVar(&catalog, "catalog", "", "Event catalog base name (default <out-dir>/<name>)")
	cmd.Flags().String("background", "", "Precomputed background stream base name; overrides the background switches")
	return cmd
}
