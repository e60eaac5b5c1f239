package cmd

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/xraysim/sim"
	"github.com/inference-sim/xraysim/sim/pipeline"
	"github.com/inference-sim/xraysim/sim/spectral"
	"github.com/inference-sim/xraysim/sim/telemetry"
)

var spectrumBindings = map[string]string{
	"model":              "spectrum.model",
	"table-path":         "spectrum.table_path",
	"emin":               "spectrum.emin",
	"emax":               "spectrum.emax",
	"nchan":              "spectrum.nchan",
	"kt-min":             "spectrum.kt_min",
	"kt-max":             "spectrum.kt_max",
	"n-kt":               "spectrum.n_kt",
	"thermal-broadening": "spectrum.thermal_broadening",
	"off-grid":           "spectrum.off_grid",
	"cache":              "run.table_cache",
}

// addSpectrumFlags registers the spectral table flags on cmd.
func addSpectrumFlags(cmd *cobra.Command) {
	d := sim.DefaultPipelineConfig().Spectrum
	f := cmd.Flags()
	f.String("model", d.Model, "Emissivity model: thermal (built-in) or tabulated")
	f.String("table-path", d.TablePath, "CSV emissivity export for the tabulated model")
	f.Float64("emin", d.EMin, "Lower edge of the energy grid (keV)")
	f.Float64("emax", d.EMax, "Upper edge of the energy grid (keV)")
	f.Int("nchan", d.NChan, "Number of energy bins")
	f.Float64("kt-min", d.KTMin, "Lowest tabulated temperature (keV)")
	f.Float64("kt-max", d.KTMax, "Highest tabulated temperature (keV)")
	f.Int("n-kt", d.NKT, "Number of temperature rows")
	f.Bool("thermal-broadening", d.ThermalBroadening, "Thermally broaden emission lines")
	f.String("off-grid", d.OffGrid, "Off-grid lookups: clamp or fail")
	f.String("cache", "", "Directory of the persistent spectral table cache")
}

// tableSummary is the printed description of a built table.
type tableSummary struct {
	Model      string               `yaml:"model"`
	Params     spectral.TableParams `yaml:"params"`
	Integrated []integratedRow      `yaml:"integrated_emissivity"`
}

type integratedRow struct {
	KT    float64 `yaml:"kt"`
	Solar float64 `yaml:"solar"`
	Zero  float64 `yaml:"metal_free"`
}

func newTableCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Build (and cache) a spectral table and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, spectrumBindings)
			if err != nil {
				return err
			}
			if err := cfg.Spectrum.Validate(); err != nil {
				return err
			}
			recorder := telemetry.NewRecorder()
			table, err := pipeline.BuildTable(cmd.Context(), cfg, pipeline.Options{Metrics: recorder})
			if err != nil {
				return err
			}
			summary, err := summarizeTable(table)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(summary)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprint(cmd.OutOrStdout(), string(out)); err != nil {
				return err
			}
			return recorder.WriteTextfile(cfg.Run.MetricsFile)
		},
	}
	addSpectrumFlags(cmd)
	return cmd
}

// summarizeTable integrates the table at the grid ends and its
// logarithmic midpoint.
func summarizeTable(t *spectral.Table) (tableSummary, error) {
	p := t.Params()
	s := tableSummary{Model: t.Model(), Params: p}
	for _, kT := range []float64{p.KTMin, math.Sqrt(p.KTMin * p.KTMax), p.KTMax} {
		solar, err := t.Integrated(kT, 1)
		if err != nil {
			return s, err
		}
		zero, err := t.Integrated(kT, 0)
		if err != nil {
			return s, err
		}
		s.Integrated = append(s.Integrated, integratedRow{KT: kT, Solar: solar, Zero: zero})
	}
	return s, nil
}
