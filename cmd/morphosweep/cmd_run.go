package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/morphosweep/internal/ledger"
	"github.com/banshee-data/morphosweep/internal/monitoring"
	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/worker"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every job of a sweep",
		Long: `Run every job of a sweep, one at a time.

Each job gets its own directory under the temp root, named by run ID, with
the parameter file written into it and the model staged under <temp>/bin.
Step files are read as the model writes them. Ctrl-C stops the running
job gracefully and abandons the rest of the queue.

Example:
  morphosweep run --binary tooth --resources ./model --step 100 --iterations 5000 \
    --range k_act=0.1:0.05:0.3 --range k_inh=1:1:3 --csv results.csv`,
		RunE: runSweep,
	}
	addSweepFlags(cmd)
	cmd.Flags().String("binary", "", "Model executable, relative to --resources when set")
	cmd.Flags().String("resources", "", "Directory staged next to the model (scripts, data)")
	cmd.Flags().String("temp-root", "", "Root for per-run directories")
	cmd.Flags().String("input-style", "", "Model argument layout: MorphoMaker or Humppa")
	cmd.Flags().String("output-style", "", "Step file style: PLY, Matrix or Humppa")
	cmd.Flags().String("interpreter", "", "Interpreter for .py models")
	cmd.Flags().StringSlice("parser", nil, "Output parser run on each step file (repeatable)")
	cmd.Flags().Int("step", 0, "Iterations per step")
	cmd.Flags().Int("iterations", 0, "Iterations per run")
	cmd.Flags().String("time-limit", "", "Per-run wall clock limit, e.g. 10m; -1 for none")
	cmd.Flags().String("run-id-source", "", "Run ID source: clock or counter")
	cmd.Flags().String("ledger", "", "SQLite ledger to record the sweep in")
	cmd.Flags().String("export-dir", "", "Copy each finished run directory to <dir>/data/<job>")
	cmd.Flags().String("csv", "", "Write per-job results as CSV (- for stdout)")
	cmd.Flags().String("job-log", "", "Write the enumeration log to this file")
	cmd.Flags().Duration("progress", 0, "Report progress at this interval (0 disables)")
	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	planner, base, err := buildPlanner(cmd, cfg)
	if err != nil {
		return err
	}
	wcfg, err := cfg.WorkerConfig()
	if err != nil {
		return err
	}
	if err := wcfg.Validate(); err != nil {
		return err
	}
	wcfg.Stdout = io.Discard
	wcfg.Stderr = cmd.ErrOrStderr()

	runnerCfg := sweep.RunnerConfig{PollInterval: cfg.GetPollInterval()}
	if path := cfg.GetLedgerPath(); path != "" {
		l, err := ledger.Open(path)
		if err != nil {
			return err
		}
		defer l.Close()
		runnerCfg.Recorder = l
	}

	req := sweep.SweepRequest{
		Ranges:    planner.Ranges(),
		Base:      base,
		Mode:      planner.Mode(),
		Run:       cfg.RunSpec(),
		ExportDir: cfg.GetExportDir(),
	}
	if logPath, _ := cmd.Flags().GetString("job-log"); logPath != "" {
		w, closeLog, err := openOutput(logPath, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer closeLog()
		req.JobLog = w
	}
	if err := os.MkdirAll(req.Run.TempRoot, 0755); err != nil {
		return fmt.Errorf("failed to create temp root: %w", err)
	}
	wcfg.ResourcesDir = absOrEmpty(wcfg.ResourcesDir)

	runner := sweep.NewRunner(worker.NewProcessBackend(wcfg), runnerCfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer stopSignals(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			monitoring.Logf("received %s, stopping sweep", sig)
			runner.Stop()
		case <-ctx.Done():
		}
	}()

	if err := runner.Start(ctx, req); err != nil {
		return err
	}
	if every, _ := cmd.Flags().GetDuration("progress"); every > 0 {
		go reportProgress(ctx, runner, every, cmd.ErrOrStderr())
	}
	runner.Wait()
	cancel()
	state := runner.GetSweepState()

	if err := writeResults(cmd, state); err != nil {
		return err
	}
	summary := sweep.Summarize(state.Results)
	monitoring.Logf("sweep %s %s: %d/%d jobs, %d failed, mean elapsed %.1fs",
		state.SweepID, state.Status, state.CompletedJobs, state.TotalJobs, summary.Failed, summary.ElapsedMean)
	for _, w := range state.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	if state.Status == sweep.SweepStatusError {
		return fmt.Errorf("%w: %s", errStopped, state.Error)
	}
	return nil
}

func writeResults(cmd *cobra.Command, state sweep.SweepState) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
	}
	path, _ := cmd.Flags().GetString("csv")
	if path == "" {
		return nil
	}
	w, closeOut, err := openOutput(path, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := sweep.WriteResultsCSV(w, state); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func reportProgress(ctx context.Context, runner *sweep.Runner, every time.Duration, w io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := runner.GetSweepState()
			if s.Status != sweep.SweepStatusRunning {
				return
			}
			fmt.Fprintf(w, "job %d/%d (%s) %.0f%%\n", s.CompletedJobs+1, s.TotalJobs, s.CurrentJob, s.CurrentProgress)
		}
	}
}

func absOrEmpty(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
