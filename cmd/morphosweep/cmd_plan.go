package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/sweep"
)

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print how many jobs the selected ranges produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			planner, _, err := buildPlanner(cmd, cfg)
			if err != nil {
				return err
			}
			n, err := planner.Count()
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"mode":   planner.Mode().String(),
					"ranges": len(planner.Ranges()),
					"jobs":   n,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	addSweepFlags(cmd)
	return cmd
}

// plannedJob is the JSON form of one planned job.
type plannedJob struct {
	Index  int                `json:"index"`
	ID     string             `json:"id"`
	Slug   string             `json:"slug"`
	Params map[string]float64 `json:"params"`
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the jobs a sweep would run, in order",
		Long: `List the jobs a sweep would run, in order.

Each line shows the job index, its ID (one digit per range, X where the
range is held at the base value) and the swept values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			planner, _, err := buildPlanner(cmd, cfg)
			if err != nil {
				return err
			}

			logPath, _ := cmd.Flags().GetString("job-log")
			var trace io.Writer
			closeLog := func() error { return nil }
			if logPath != "" {
				trace, closeLog, err = openOutput(logPath, cmd.OutOrStdout())
				if err != nil {
					return err
				}
			}
			_, err = planner.Populate(trace)
			if cerr := closeLog(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			ranges := planner.Ranges()
			jsonOut, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()
			var jobs []plannedJob
			for {
				job, ok := planner.NextJob()
				if !ok {
					break
				}
				if jsonOut {
					jobs = append(jobs, toPlannedJob(job, ranges))
					continue
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", job.Index, job.ID, describeJob(job, ranges))
			}
			if jsonOut {
				if jobs == nil {
					jobs = []plannedJob{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			return nil
		},
	}
	addSweepFlags(cmd)
	cmd.Flags().String("job-log", "", "Also write the enumeration log to this file (- for stdout)")
	return cmd
}

// describeJob lists the swept values of job, skipping base digits.
func describeJob(job sweep.Job, ranges []sweep.RangeSpec) string {
	parts := make([]string, 0, len(ranges))
	for i, r := range ranges {
		if job.Digits[i] == sweep.Base {
			continue
		}
		v, _ := job.Params.Get(r.Name)
		parts = append(parts, r.Name+"="+params.FormatValue(v))
	}
	return strings.Join(parts, " ")
}

func toPlannedJob(job sweep.Job, ranges []sweep.RangeSpec) plannedJob {
	pj := plannedJob{Index: job.Index, ID: job.ID, Slug: job.Slug(), Params: map[string]float64{}}
	for i, r := range ranges {
		if job.Digits[i] == sweep.Base {
			continue
		}
		pj.Params[r.Name], _ = job.Params.Get(r.Name)
	}
	return pj
}
