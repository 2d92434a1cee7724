package sweep

import (
	"context"
	"fmt"
	"time"
)

// RunStatus is the terminal classification of one run.
type RunStatus int

const (
	StatusSuccess RunStatus = iota
	StatusFailure
	StatusTimedOut
	StatusUserStopped
)

func (s RunStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimedOut:
		return "timed_out"
	case StatusUserStopped:
		return "user_stopped"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// ReturnCode is 0 for success and user stop, 1 otherwise.
func (s RunStatus) ReturnCode() int {
	if s == StatusSuccess || s == StatusUserStopped {
		return 0
	}
	return 1
}

// RunSpec carries the per-sweep run settings handed to a backend.
type RunSpec struct {
	TempRoot   string
	StepSize   int
	Iterations int
	// TimeLimit of zero or less means unlimited.
	TimeLimit time.Duration
}

// Outcome is what a finished run reports.
type Outcome struct {
	JobID      string
	RunID      string
	Dir        string
	Status     RunStatus
	ReturnCode int
	Steps      int
	Skipped    int
	Elapsed    time.Duration
	Err        error
}

// Run is one in-flight job execution. Poll advances it by one tick and
// must not block beyond a bounded wait.
type Run interface {
	Poll()
	Stop()
	IsRunning() bool
	Finished() bool
	Progress() float64
	Outcome() Outcome
}

// Backend abstracts how a job is executed. Two implementations exist:
//
//   - worker.ProcessBackend launches the model as an external process and
//     ingests its step files.
//   - worker.LibraryBackend calls a Go function in-process.
type Backend interface {
	Launch(job Job, spec RunSpec) (Run, error)
}

// SweepRecord describes a sweep when it starts.
type SweepRecord struct {
	ID        string
	Mode      Mode
	TotalJobs int
	Ranges    []RangeSpec
	StartedAt time.Time
}

// Recorder persists sweep progress. A nil Recorder disables persistence.
type Recorder interface {
	BeginSweep(ctx context.Context, rec SweepRecord) error
	RecordRun(ctx context.Context, sweepID string, job Job, out Outcome) error
	FinishSweep(ctx context.Context, sweepID string, status SweepStatus, at time.Time) error
}
