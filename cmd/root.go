package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inference-sim/xraysim/sim"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
}

// Execute runs the CLI root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns an independent
// tree, so tests can run commands without shared flag state.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	d := sim.DefaultPipelineConfig()
	root := &cobra.Command{
		Use:          "xraysim",
		Short:        "Synthetic X-ray observations of simulated plasma",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %s", opts.logLevel)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Pipeline config file (YAML)")
	pf.StringVar(&opts.logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.Int64("seed", d.Run.Seed, "Run seed for all random streams")
	pf.Int("workers", d.Run.Workers, "Maximum parallel work units (0 = unbounded)")
	pf.String("metrics-file", "", "Write run metrics in Prometheus text format to this file")

	root.AddCommand(
		newTableCmd(opts),
		newPhotonsCmd(opts),
		newProjectCmd(opts),
		newBackgroundCmd(opts),
		newObserveCmd(opts),
		newRunCmd(opts),
	)
	return root
}

// persistentBindings maps persistent flags to config keys.
var persistentBindings = map[string]string{
	"seed":         "run.seed",
	"workers":      "run.workers",
	"metrics-file": "run.metrics_file",
}

// loadConfig resolves the pipeline configuration. Precedence, lowest
// first: built-in defaults, config file, XRAYSIM_* environment variables
// (XRAYSIM_SOURCE_REDSHIFT for source.redshift), explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *rootOptions, bindings map[string]string) (sim.PipelineConfig, error) {
	v := viper.New()
	setDefaults(v, sim.DefaultPipelineConfig())

	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return sim.PipelineConfig{}, fmt.Errorf("reading config %s: %w", opts.configFile, err)
		}
	}
	v.SetEnvPrefix("XRAYSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, set := range []map[string]string{persistentBindings, bindings} {
		for flag, key := range set {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return sim.PipelineConfig{}, fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
	}

	var cfg sim.PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return sim.PipelineConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every config key so environment variables can
// reach it.
func setDefaults(v *viper.Viper, d sim.PipelineConfig) {
	defaults := map[string]any{
		"spectrum.model":              d.Spectrum.Model,
		"spectrum.table_path":         d.Spectrum.TablePath,
		"spectrum.emin":               d.Spectrum.EMin,
		"spectrum.emax":               d.Spectrum.EMax,
		"spectrum.nchan":              d.Spectrum.NChan,
		"spectrum.kt_min":             d.Spectrum.KTMin,
		"spectrum.kt_max":             d.Spectrum.KTMax,
		"spectrum.n_kt":               d.Spectrum.NKT,
		"spectrum.thermal_broadening": d.Spectrum.ThermalBroadening,
		"spectrum.off_grid":           d.Spectrum.OffGrid,
		"source.region":               d.Source.RegionPath,
		"source.source_id":            d.Source.SourceID,
		"source.redshift":             d.Source.Redshift,
		"source.area":                 d.Source.Area,
		"source.exposure_time":        d.Source.ExposureTime,
		"source.center":               d.Source.Center,
		"source.distance_mpc":         d.Source.DistanceMpc,
		"source.fail_on_underflow":    d.Source.FailOnUnderflow,
		"projection.axis":             d.Projection.Axis,
		"projection.north":            d.Projection.North,
		"projection.sky_center":       d.Projection.SkyCenter,
		"projection.absorption":       d.Projection.Absorption,
		"projection.nh":               d.Projection.NH,
		"projection.absorption_table": d.Projection.AbsorptionTable,
		"observation.instrument":      d.Observation.Instrument,
		"observation.exposure_time":   d.Observation.ExposureTime,
		"observation.instr_bkgnd":     d.Observation.InstrumentalBackground,
		"observation.foreground":      d.Observation.Foreground,
		"observation.ptsrc_bkgnd":     d.Observation.PointSourceBackground,
		"observation.background":      d.Observation.BackgroundPath,
		"run.name":                    d.Run.Name,
		"run.seed":                    d.Run.Seed,
		"run.workers":                 d.Run.Workers,
		"run.out_dir":                 d.Run.OutDir,
		"run.metrics_file":            d.Run.MetricsFile,
		"run.table_cache":             d.Run.TableCache,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}
