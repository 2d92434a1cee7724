package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/morphosweep/internal/ledger"
	"github.com/banshee-data/morphosweep/internal/params"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect sweeps recorded in the ledger",
	}
	cmd.PersistentFlags().String("ledger", "", "SQLite ledger path (defaults to the configured ledger)")
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd(), newRunsDeleteCmd())
	return cmd
}

// openLedger opens the ledger named by --ledger or the config.
func openLedger(cmd *cobra.Command) (*ledger.Ledger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	path := cfg.GetLedgerPath()
	if path == "" {
		return nil, errors.New("no ledger configured; pass --ledger or set ledger_path")
	}
	return ledger.Open(path)
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sweeps, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			sweeps, err := l.ListSweeps(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				if sweeps == nil {
					sweeps = []*ledger.Sweep{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sweeps)
			}
			if len(sweeps) == 0 {
				fmt.Fprintln(out, "no sweeps recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SWEEP\tMODE\tSTATUS\tRUNS\tSTARTED")
			for _, s := range sweeps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					s.ID, s.Mode, s.Status, s.RunCount, s.TotalJobs, s.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of sweeps to list (0 for all)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sweep-id>",
		Short: "Show one sweep and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			s, err := l.GetSweep(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runs, err := l.ListRuns(cmd.Context(), s.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				if runs == nil {
					runs = []*ledger.Run{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*ledger.Sweep
					Runs []*ledger.Run `json:"runs"`
				}{s, runs})
			}
			fmt.Fprintf(out, "sweep %s (%s, %s) %d/%d runs\n", s.ID, s.Mode, s.Status, s.RunCount, s.TotalJobs)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tRUN\tSTATUS\tRC\tSTEPS\tSKIPPED\tELAPSED\tPARAMS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					r.JobID, r.RunID, r.Status, r.ReturnCode, r.Steps, r.Skipped,
					r.Elapsed.Round(time.Millisecond), formatParams(r.Params))
			}
			return tw.Flush()
		},
	}
}

func newRunsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <sweep-id>",
		Short: "Delete a sweep and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer l.Close()
			if err := l.DeleteSweep(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted sweep %s\n", args[0])
			return nil
		},
	}
}

func formatParams(p map[string]float64) string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+params.FormatValue(p[name]))
	}
	return strings.Join(parts, " ")
}
