package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// ProcessBackend runs each job as an external process under its own
// Supervisor. All supervisors share one RunIDSource.
type ProcessBackend struct {
	cfg Config
}

// NewProcessBackend creates a backend for cfg.
func NewProcessBackend(cfg Config) *ProcessBackend {
	return &ProcessBackend{cfg: cfg.withDefaults()}
}

// Launch starts job.
func (b *ProcessBackend) Launch(job sweep.Job, spec sweep.RunSpec) (sweep.Run, error) {
	s := NewSupervisor(b.cfg)
	if _, err := s.Start(job, spec.TempRoot, spec.StepSize, spec.Iterations, spec.TimeLimit); err != nil {
		return nil, err
	}
	return s, nil
}

// ModelFunc is an in-process model. It calls emit once per completed step
// and should return promptly when ctx is cancelled.
type ModelFunc func(ctx context.Context, set *params.Set, spec sweep.RunSpec, emit func(payload any)) error

// LibraryBackend runs a Go function instead of a process. Steps flow into
// the same ResultLog contract as process output.
type LibraryBackend struct {
	Model  ModelFunc
	Clock  timeutil.Clock
	RunIDs RunIDSource
}

// Launch starts the model in a goroutine.
func (b *LibraryBackend) Launch(job sweep.Job, spec sweep.RunSpec) (sweep.Run, error) {
	if b.Model == nil {
		return nil, fmt.Errorf("%w: no model function", ErrInvalidConfig)
	}
	if spec.StepSize <= 0 {
		return nil, fmt.Errorf("%w: step size must be positive, got %d", ErrInvalidConfig, spec.StepSize)
	}
	clock := b.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ids := b.RunIDs
	if ids == nil {
		ids = ClockRunIDs{}
	}
	set := job.Params
	if set == nil {
		set = params.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &libraryRun{
		job:     job,
		spec:    spec,
		clock:   clock,
		runID:   strconv.FormatInt(ids.Next(clock.Now()), 10),
		started: clock.Now(),
		steps:   make(chan any, 64),
		done:    make(chan struct{}),
		cancel:  cancel,
		results: NewResultLog(),
		last:    -1,
	}
	go func() {
		defer close(r.done)
		err := b.Model(ctx, set.Clone(), spec, func(p any) {
			select {
			case r.steps <- p:
			case <-ctx.Done():
			}
		})
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()
	diagf("library run %s (job %s) started", r.runID, job.ID)
	return r, nil
}

type libraryRun struct {
	job     sweep.Job
	spec    sweep.RunSpec
	clock   timeutil.Clock
	runID   string
	started time.Time
	steps   chan any
	done    chan struct{}
	cancel  context.CancelFunc
	results *ResultLog

	mu       sync.Mutex
	last     int
	stopReq  bool
	stopped  bool
	timedOut bool
	finished bool
	elapsed  time.Duration
	err      error
}

func (r *libraryRun) Poll() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	if r.stopReq && !r.stopped {
		r.stopped = true
		r.cancel()
	}
	if !r.stopped && !r.timedOut && r.spec.TimeLimit > 0 && r.clock.Since(r.started) > r.spec.TimeLimit {
		r.timedOut = true
		r.cancel()
	}
	r.mu.Unlock()

	for {
		select {
		case p := <-r.steps:
			r.put(p)
			continue
		default:
		}
		break
	}

	select {
	case <-r.done:
	default:
		return
	}
	// The model has returned; pick up anything sent before it did.
	for len(r.steps) > 0 {
		r.put(<-r.steps)
	}
	r.mu.Lock()
	r.finished = true
	r.elapsed = r.clock.Since(r.started)
	r.mu.Unlock()
	r.cancel()
}

func (r *libraryRun) put(p any) {
	n := r.results.Len()
	step := ResultStep{Index: n, Iteration: n * r.spec.StepSize, Payload: p, IngestedAt: r.clock.Now()}
	if err := r.results.Put(step); err != nil {
		opsf("library run %s: %v", r.runID, err)
		return
	}
	r.mu.Lock()
	r.last = n
	r.mu.Unlock()
}

func (r *libraryRun) Stop() {
	r.mu.Lock()
	if !r.finished {
		r.stopReq = true
	}
	r.mu.Unlock()
}

func (r *libraryRun) IsRunning() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *libraryRun) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *libraryRun) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spec.Iterations == 0 {
		return 100
	}
	if r.last < 0 {
		return 0
	}
	return min(100, 100*float64(r.last)*float64(r.spec.StepSize)/float64(r.spec.Iterations))
}

func (r *libraryRun) Outcome() sweep.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := sweep.StatusSuccess
	err := r.err
	switch {
	case r.timedOut:
		status = sweep.StatusTimedOut
		err = nil
	case r.stopped:
		status = sweep.StatusUserStopped
		err = nil
	case err != nil && !errors.Is(err, context.Canceled):
		status = sweep.StatusFailure
	}
	return sweep.Outcome{
		JobID:      r.job.ID,
		RunID:      r.runID,
		Status:     status,
		ReturnCode: status.ReturnCode(),
		Steps:      r.results.Count(),
		Elapsed:    r.elapsed,
		Err:        err,
	}
}

// Results exposes the step log of a library run.
func (r *libraryRun) Results() *ResultLog { return r.results }
