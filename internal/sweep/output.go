package sweep

import (
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// CSVWriter wraps csv.Writer with methods for sweep output.
type CSVWriter struct {
	w      *csv.Writer
	params []string
}

// NewCSVWriter creates a CSVWriter. paramNames fixes the parameter columns.
func NewCSVWriter(w io.Writer, paramNames []string) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), params: paramNames}
}

// WriteHeader writes the column header.
func (c *CSVWriter) WriteHeader() error {
	header := []string{"index", "job_id", "run_id", "status", "return_code", "steps", "skipped", "elapsed_s"}
	header = append(header, c.params...)
	header = append(header, "error")
	return c.w.Write(header)
}

// WriteResult writes one job row.
func (c *CSVWriter) WriteResult(res JobResult) error {
	row := []string{
		strconv.Itoa(res.Index),
		res.JobID,
		res.RunID,
		res.Status,
		strconv.Itoa(res.ReturnCode),
		strconv.Itoa(res.Steps),
		strconv.Itoa(res.Skipped),
		strconv.FormatFloat(res.Elapsed.Seconds(), 'f', 3, 64),
	}
	for _, p := range c.params {
		if v, ok := res.Params[p]; ok {
			row = append(row, strconv.FormatFloat(v, 'g', 12, 64))
		} else {
			row = append(row, "")
		}
	}
	row = append(row, res.Error)
	return c.w.Write(row)
}

// Flush flushes buffered rows and reports any write error.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// Summary aggregates the results of a sweep.
type Summary struct {
	Jobs          int
	Succeeded     int
	Failed        int
	TimedOut      int
	Stopped       int
	ElapsedMean   float64
	ElapsedStddev float64
	StepsMean     float64
	StepsStddev   float64
}

// Summarize counts outcomes and computes elapsed-time and step statistics.
func Summarize(results []JobResult) Summary {
	s := Summary{Jobs: len(results)}
	elapsed := make([]float64, 0, len(results))
	steps := make([]float64, 0, len(results))
	for _, r := range results {
		switch r.Status {
		case StatusSuccess.String():
			s.Succeeded++
		case StatusTimedOut.String():
			s.TimedOut++
		case StatusUserStopped.String():
			s.Stopped++
		default:
			s.Failed++
		}
		elapsed = append(elapsed, r.Elapsed.Seconds())
		steps = append(steps, float64(r.Steps))
	}
	s.ElapsedMean, s.ElapsedStddev = meanStddev(elapsed)
	s.StepsMean, s.StepsStddev = meanStddev(steps)
	return s
}

// meanStddev returns the mean and sample standard deviation, with a zero
// deviation for fewer than two samples.
func meanStddev(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// WriteResultsCSV writes every result of state followed by a summary
// comment line.
func WriteResultsCSV(w io.Writer, state SweepState) error {
	cw := NewCSVWriter(w, paramColumns(state.Results))
	if err := cw.WriteHeader(); err != nil {
		return err
	}
	for _, r := range state.Results {
		if err := cw.WriteResult(r); err != nil {
			return err
		}
	}
	if err := cw.Flush(); err != nil {
		return err
	}
	s := Summarize(state.Results)
	_, err := fmt.Fprintf(w, "# jobs=%d success=%d failure=%d timed_out=%d stopped=%d elapsed_mean=%.3f elapsed_stddev=%.3f steps_mean=%.2f steps_stddev=%.2f\n",
		s.Jobs, s.Succeeded, s.Failed, s.TimedOut, s.Stopped, s.ElapsedMean, s.ElapsedStddev, s.StepsMean, s.StepsStddev)
	return err
}

// paramColumns collects parameter names in first-seen order. Params maps
// are unordered, so names within a result are sorted.
func paramColumns(results []JobResult) []string {
	var cols []string
	seen := make(map[string]bool)
	for _, r := range results {
		for _, n := range slices.Sorted(maps.Keys(r.Params)) {
			if !seen[n] {
				seen[n] = true
				cols = append(cols, n)
			}
		}
	}
	return cols
}
