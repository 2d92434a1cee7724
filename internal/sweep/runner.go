package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/morphosweep/internal/fsutil"
	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/security"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// SweepStatus represents the current state of a sweep run
type SweepStatus string

const (
	SweepStatusIdle     SweepStatus = "idle"
	SweepStatusRunning  SweepStatus = "running"
	SweepStatusComplete SweepStatus = "complete"
	SweepStatusError    SweepStatus = "error"
)

// DefaultPollInterval is the supervisor tick.
const DefaultPollInterval = 20 * time.Millisecond

// ExportSubdir is where finished run directories are copied, per job slug.
const ExportSubdir = "data"

// SweepRequest defines the parameters for starting a sweep
type SweepRequest struct {
	Ranges []RangeSpec
	Base   *params.Set
	Mode   Mode
	Run    RunSpec

	// ExportDir receives data/<job slug>/ copies of each run directory.
	// Empty disables export.
	ExportDir string

	// JobLog receives the enumeration trace. Optional.
	JobLog io.Writer
}

// JobResult holds the summary result for one job
type JobResult struct {
	Index      int                `json:"index"`
	JobID      string             `json:"job_id"`
	RunID      string             `json:"run_id,omitempty"`
	Params     map[string]float64 `json:"params"`
	Status     string             `json:"status"`
	ReturnCode int                `json:"return_code"`
	Steps      int                `json:"steps"`
	Skipped    int                `json:"skipped"`
	Elapsed    time.Duration      `json:"elapsed_ns"`
	Exported   int                `json:"exported,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// SweepState holds the current state and results of a sweep
type SweepState struct {
	Status          SweepStatus `json:"status"`
	SweepID         string      `json:"sweep_id,omitempty"`
	Mode            string      `json:"mode,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	TotalJobs       int         `json:"total_jobs"`
	CompletedJobs   int         `json:"completed_jobs"`
	CurrentJob      string      `json:"current_job,omitempty"`
	CurrentProgress float64     `json:"current_progress"`
	Results         []JobResult `json:"results"`
	Error           string      `json:"error,omitempty"`
	Warnings        []string    `json:"warnings,omitempty"`
}

// RunnerConfig holds the optional collaborators of a Runner.
type RunnerConfig struct {
	Clock        timeutil.Clock
	FS           fsutil.FileSystem
	Recorder     Recorder
	PollInterval time.Duration
}

// Runner orchestrates parameter sweeps
type Runner struct {
	backend  Backend
	clock    timeutil.Clock
	fs       fsutil.FileSystem
	recorder Recorder
	interval time.Duration

	mu     sync.RWMutex
	state  SweepState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a new sweep runner
func NewRunner(backend Backend, cfg RunnerConfig) *Runner {
	r := &Runner{
		backend:  backend,
		clock:    cfg.Clock,
		fs:       cfg.FS,
		recorder: cfg.Recorder,
		interval: cfg.PollInterval,
		state:    SweepState{Status: SweepStatusIdle},
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.fs == nil {
		r.fs = fsutil.OSFileSystem{}
	}
	if r.interval <= 0 {
		r.interval = DefaultPollInterval
	}
	return r
}

// addWarning appends a warning message to the sweep state.
func (r *Runner) addWarning(msg string) {
	r.mu.Lock()
	r.state.Warnings = append(r.state.Warnings, msg)
	r.mu.Unlock()
	opsf("%s", msg)
}

// GetSweepState returns a copy of the current sweep state.
func (r *Runner) GetSweepState() SweepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	state.Results = make([]JobResult, len(r.state.Results))
	copy(state.Results, r.state.Results)
	state.Warnings = append([]string(nil), r.state.Warnings...)
	return state
}

// Start validates req, enumerates its jobs and runs them in the background.
func (r *Runner) Start(ctx context.Context, req SweepRequest) error {
	if r.backend == nil {
		return fmt.Errorf("no backend configured")
	}
	if req.Run.StepSize <= 0 {
		return fmt.Errorf("step size must be positive, got %d", req.Run.StepSize)
	}
	if req.Run.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", req.Run.Iterations)
	}
	jobs, err := Enumerate(req.Ranges, req.Base, req.Mode, req.JobLog)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return ErrNoJobs
	}

	r.mu.Lock()
	if r.state.Status == SweepStatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("sweep already in progress")
	}

	now := r.clock.Now()
	r.state = SweepState{
		Status:    SweepStatusRunning,
		SweepID:   uuid.New().String(),
		Mode:      req.Mode.String(),
		StartedAt: &now,
		TotalJobs: len(jobs),
		Results:   make([]JobResult, 0, len(jobs)),
	}
	sweepID := r.state.SweepID

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	if r.recorder != nil {
		rec := SweepRecord{ID: sweepID, Mode: req.Mode, TotalJobs: len(jobs), Ranges: req.Ranges, StartedAt: now}
		if err := r.recorder.BeginSweep(sweepCtx, rec); err != nil {
			r.addWarning(fmt.Sprintf("recording sweep start: %v", err))
		}
	}

	diagf("sweep %s: %d %s jobs", sweepID, len(jobs), req.Mode)
	go r.run(sweepCtx, done, sweepID, req, jobs)
	return nil
}

// Stop cancels the running sweep. The active run is stopped and polled to
// completion; remaining jobs are abandoned.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until the current sweep, if any, has returned.
func (r *Runner) Wait() {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) run(ctx context.Context, done chan struct{}, sweepID string, req SweepRequest, jobs []Job) {
	defer close(done)

	stoppedAt := -1
	for i, job := range jobs {
		if ctx.Err() != nil {
			stoppedAt = i
			break
		}
		r.mu.Lock()
		r.state.CurrentJob = job.ID
		r.state.CurrentProgress = 0
		r.mu.Unlock()

		out := r.runJob(ctx, job, req.Run)
		result := newJobResult(job, out)
		if out.Dir != "" && req.ExportDir != "" {
			n, err := r.export(out.Dir, req.ExportDir, job)
			if err != nil {
				r.addWarning(fmt.Sprintf("job %d (%s): export failed: %v", i+1, job.ID, err))
			}
			result.Exported = n
		}
		if r.recorder != nil {
			if err := r.recorder.RecordRun(context.WithoutCancel(ctx), sweepID, job, out); err != nil {
				r.addWarning(fmt.Sprintf("job %d (%s): recording run: %v", i+1, job.ID, err))
			}
		}
		diagf("job %d/%d (%s) %s: %d steps in %s", i+1, len(jobs), job.ID, out.Status, out.Steps, FormatElapsed(out.Elapsed))

		r.mu.Lock()
		r.state.Results = append(r.state.Results, result)
		r.state.CompletedJobs = i + 1
		r.mu.Unlock()

		if out.Status == StatusUserStopped && ctx.Err() != nil {
			stoppedAt = i + 1
			break
		}
	}

	completed := r.clock.Now()
	r.mu.Lock()
	r.state.CompletedAt = &completed
	r.state.CurrentJob = ""
	if stoppedAt >= 0 {
		r.state.Status = SweepStatusError
		r.state.Error = fmt.Sprintf("sweep stopped at job %d/%d", stoppedAt, len(jobs))
	} else {
		r.state.Status = SweepStatusComplete
	}
	status := r.state.Status
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.FinishSweep(context.WithoutCancel(ctx), sweepID, status, completed); err != nil {
			r.addWarning(fmt.Sprintf("recording sweep completion: %v", err))
		}
	}
	diagf("sweep %s %s", sweepID, status)
}

// runJob launches one job and polls it to completion. Launch errors are
// recorded as a failed outcome so the queue can advance.
func (r *Runner) runJob(ctx context.Context, job Job, spec RunSpec) Outcome {
	run, err := r.backend.Launch(job, spec)
	if err != nil {
		r.addWarning(fmt.Sprintf("job %s: %v", job.ID, err))
		return Outcome{JobID: job.ID, Status: StatusFailure, ReturnCode: 1, Err: err}
	}

	stopped := false
	for !run.Finished() {
		if !stopped && ctx.Err() != nil {
			diagf("job %s: stop requested", job.ID)
			run.Stop()
			stopped = true
		}
		run.Poll()
		progress := run.Progress()
		r.mu.Lock()
		r.state.CurrentProgress = progress
		r.mu.Unlock()
		tracef("job %s: %.1f%%", job.ID, progress)
		if run.Finished() {
			break
		}
		if stopped {
			r.clock.Sleep(r.interval)
			continue
		}
		select {
		case <-ctx.Done():
		case <-r.clock.After(r.interval):
		}
	}
	out := run.Outcome()
	if out.JobID == "" {
		out.JobID = job.ID
	}
	return out
}

// export copies the run directory into <exportDir>/data/<slug>/, replacing
// an earlier export of the same job.
func (r *Runner) export(runDir, exportDir string, job Job) (int, error) {
	slug := job.Slug()
	if err := security.ValidateName(slug); err != nil {
		return 0, err
	}
	dst := filepath.Join(exportDir, ExportSubdir, slug)
	if err := security.ValidatePathWithinDirectory(dst, exportDir); err != nil {
		return 0, err
	}
	if err := r.fs.RemoveAll(dst); err != nil {
		return 0, err
	}
	return fsutil.CopyDir(r.fs, runDir, dst)
}

func newJobResult(job Job, out Outcome) JobResult {
	res := JobResult{
		Index:      job.Index,
		JobID:      job.ID,
		RunID:      out.RunID,
		Params:     make(map[string]float64),
		Status:     out.Status.String(),
		ReturnCode: out.ReturnCode,
		Steps:      out.Steps,
		Skipped:    out.Skipped,
		Elapsed:    out.Elapsed,
	}
	if job.Params != nil {
		for _, n := range job.Params.Names() {
			res.Params[n], _ = job.Params.Get(n)
		}
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}

// FormatElapsed renders d as hh:mm:ss.
func FormatElapsed(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// ErrNoJobs is returned when no range is selected.
var ErrNoJobs = errors.New("no parameter combinations to sweep")

// RunSync starts a sweep and waits for it, returning the final state.
func (r *Runner) RunSync(ctx context.Context, req SweepRequest) (SweepState, error) {
	if err := r.Start(ctx, req); err != nil {
		return r.GetSweepState(), err
	}
	r.Wait()
	return r.GetSweepState(), nil
}
