// Command morphosweep enumerates parameter sweeps over a morphogenesis
// model and runs each combination under a supervised worker process.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/morphosweep/internal/config"
	"github.com/banshee-data/morphosweep/internal/ledger"
	"github.com/banshee-data/morphosweep/internal/monitoring"
	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "morphosweep",
		Short: "Parameter sweeps for morphogenesis models",
		Long: `morphosweep expands parameter ranges into a job list and runs each job
as a supervised model process, collecting step output as it is written.

Ranges come from a scan file (name==min:step:max lines), the config file,
or --range flags, in that order; later sources replace earlier ranges of
the same name.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level, err := monitoring.ResolveLevel(cfg.GetLogLevel())
			if err != nil {
				return err
			}
			monitoring.Apply(level, cmd.ErrOrStderr(),
				sweep.SetLogWriters, worker.SetLogWriters, ledger.SetLogWriters)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (.json, .toml, .yaml); defaults to ./"+config.DefaultConfigName+" if present")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: off, ops, diag, trace (env "+monitoring.EnvLogLevel+" wins)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newCountCmd(),
		newPlanCmd(),
		newRunCmd(),
		newRunsCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file and applies flag overrides. Only flags
// the user actually set take part.
func loadConfig(cmd *cobra.Command) (*config.SweepConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := &config.SweepConfig{}
	switch {
	case path != "":
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		if _, err := os.Stat(config.DefaultConfigName); err == nil {
			loaded, err := config.Load(config.DefaultConfigName)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}

	var o config.SweepConfig
	flags := cmd.Flags()
	str := func(name string, dst **string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = config.StringPtr(v)
		}
	}
	num := func(name string, dst **int) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			v, _ := flags.GetInt(name)
			*dst = config.IntPtr(v)
		}
	}
	str("log-level", &o.LogLevel)
	str("mode", &o.Mode)
	str("scan", &o.ScanFile)
	str("binary", &o.Binary)
	str("resources", &o.ResourcesDir)
	str("temp-root", &o.TempRoot)
	str("input-style", &o.InputStyle)
	str("output-style", &o.OutputStyle)
	str("interpreter", &o.Interpreter)
	str("time-limit", &o.TimeLimit)
	str("run-id-source", &o.RunIDSource)
	str("ledger", &o.LedgerPath)
	str("export-dir", &o.ExportDir)
	num("step", &o.StepSize)
	num("iterations", &o.Iterations)
	if flags.Lookup("parser") != nil && flags.Changed("parser") {
		o.OutputParsers, _ = flags.GetStringSlice("parser")
	}
	cfg.Override(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// addSweepFlags registers the flags that select ranges and mode.
func addSweepFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "", "Sweep mode: linear or combinatorial (default combinatorial)")
	cmd.Flags().String("scan", "", "Scan file of name==min:step:max lines (default "+sweep.DefaultScanFile+" if present)")
	cmd.Flags().StringArray("range", nil, "Range as name=min:step:max (repeatable)")
	cmd.Flags().String("base", "", "Base parameter file; unswept parameters keep these values")
}

// buildPlanner assembles the base set and ranges from all sources.
func buildPlanner(cmd *cobra.Command, cfg *config.SweepConfig) (*sweep.Planner, *params.Set, error) {
	base := params.New()
	if path, _ := cmd.Flags().GetString("base"); path != "" {
		loaded, err := params.Load(path)
		if err != nil {
			return nil, nil, err
		}
		base = loaded
	}
	planner := sweep.NewPlanner(base, cfg.GetMode())

	scanPath := cfg.GetScanFile()
	explicit := cmd.Flags().Changed("scan") || cfg.ScanFile != nil
	if _, err := os.Stat(scanPath); err == nil || explicit {
		list, err := sweep.LoadScanFile(scanPath)
		if err != nil {
			return nil, nil, err
		}
		if list.Model != "" && base.Key(params.KeyModel) == "" {
			if err := base.SetKey(params.KeyModel, list.Model); err != nil {
				return nil, nil, err
			}
		}
		for _, r := range list.Ranges {
			if err := planner.AddRange(r); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, r := range cfg.Ranges {
		if err := planner.AddRange(r); err != nil {
			return nil, nil, err
		}
	}
	flagRanges, _ := cmd.Flags().GetStringArray("range")
	for _, s := range flagRanges {
		r, err := parseRangeFlag(s)
		if err != nil {
			return nil, nil, err
		}
		if err := planner.AddRange(r); err != nil {
			return nil, nil, err
		}
	}
	return planner, base, nil
}

// parseRangeFlag accepts name=min:step:max and the scan file's
// name==min:step:max.
func parseRangeFlag(s string) (sweep.RangeSpec, error) {
	name, spec, ok := strings.Cut(s, "=")
	if !ok {
		return sweep.RangeSpec{}, fmt.Errorf("range %q: want name=min:step:max", s)
	}
	return sweep.ParseRangeSpec(strings.TrimSpace(name), strings.TrimPrefix(spec, "="))
}

// openOutput opens path for writing, or returns w for "" and "-".
func openOutput(path string, w io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return w, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, f.Close, nil
}

var errStopped = errors.New("sweep stopped")
