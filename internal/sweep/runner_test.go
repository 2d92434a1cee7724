package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/morphosweep/internal/fsutil"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// fakeRun finishes after a fixed number of polls.
type fakeRun struct {
	mu      sync.Mutex
	job     Job
	dir     string
	polls   int
	total   int
	stopped bool
	done    bool
}

func (f *fakeRun) Poll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.polls++
	if f.stopped || f.polls >= f.total {
		f.done = true
	}
}

func (f *fakeRun) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeRun) IsRunning() bool { return !f.Finished() }

func (f *fakeRun) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeRun) Progress() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 100 * float64(f.polls) / float64(f.total)
}

func (f *fakeRun) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := StatusSuccess
	if f.stopped {
		status = StatusUserStopped
	}
	return Outcome{JobID: f.job.ID, RunID: "r" + f.job.Slug(), Dir: f.dir, Status: status,
		ReturnCode: status.ReturnCode(), Steps: f.polls, Elapsed: time.Duration(f.polls) * time.Second}
}

type fakeBackend struct {
	mu       sync.Mutex
	fs       *fsutil.MemoryFileSystem
	polls    int
	pollsFor map[string]int
	failOn   map[string]bool
	launched []string
	onLaunch func(Job)
}

func (b *fakeBackend) Launch(job Job, spec RunSpec) (Run, error) {
	b.mu.Lock()
	b.launched = append(b.launched, job.ID)
	b.mu.Unlock()
	if b.onLaunch != nil {
		b.onLaunch(job)
	}
	if b.failOn[job.ID] {
		return nil, fmt.Errorf("launch %s: %w", job.ID, errors.New("exec format error"))
	}
	dir := ""
	if b.fs != nil {
		dir = filepath.Join(spec.TempRoot, job.Slug())
		_ = b.fs.MkdirAll(dir, 0755)
		_ = b.fs.WriteFile(filepath.Join(dir, "10_1.ply"), []byte("ply"), 0644)
	}
	total := b.polls
	if n, ok := b.pollsFor[job.ID]; ok {
		total = n
	}
	return &fakeRun{job: job, dir: dir, total: total}, nil
}

type memRecorder struct {
	mu       sync.Mutex
	begun    []SweepRecord
	runs     []Outcome
	finished SweepStatus
}

func (m *memRecorder) BeginSweep(_ context.Context, rec SweepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begun = append(m.begun, rec)
	return nil
}

func (m *memRecorder) RecordRun(_ context.Context, _ string, _ Job, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, out)
	return nil
}

func (m *memRecorder) FinishSweep(_ context.Context, _ string, status SweepStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = status
	return nil
}

func newTestRunner(b Backend, rec Recorder, fs fsutil.FileSystem) *Runner {
	return NewRunner(b, RunnerConfig{
		Clock:    timeutil.NewAutoClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		FS:       fs,
		Recorder: rec,
	})
}

func TestRunner_CompletesAllJobs(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	backend := &fakeBackend{fs: mfs, polls: 3}
	rec := &memRecorder{}
	r := newTestRunner(backend, rec, mfs)

	var jobLog bytes.Buffer
	state, err := r.RunSync(context.Background(), SweepRequest{
		Ranges:    scenarioRanges(),
		Base:      baseSet(t),
		Mode:      Linear,
		Run:       RunSpec{TempRoot: "/tmp/ms", StepSize: 10, Iterations: 30},
		ExportDir: "/export",
		JobLog:    &jobLog,
	})
	require.NoError(t, err)

	assert.Equal(t, SweepStatusComplete, state.Status)
	assert.NotEmpty(t, state.SweepID)
	assert.Equal(t, 5, state.TotalJobs)
	assert.Equal(t, 5, state.CompletedJobs)
	require.Len(t, state.Results, 5)
	assert.Equal(t, "success", state.Results[0].Status)
	assert.Equal(t, 3, state.Results[0].Steps)
	assert.Equal(t, 1, state.Results[0].Exported)
	assert.Equal(t, 10.0, state.Results[3].Params["p1"])
	assert.Empty(t, state.Warnings)

	assert.True(t, mfs.Exists("/export/data/X_1/10_1.ply"))
	assert.Contains(t, jobLog.String(), "Number of jobs generated: 5")

	require.Len(t, rec.begun, 1)
	assert.Equal(t, state.SweepID, rec.begun[0].ID)
	assert.Len(t, rec.runs, 5)
	assert.Equal(t, SweepStatusComplete, rec.finished)
}

func TestRunner_LaunchFailureSkipsJob(t *testing.T) {
	backend := &fakeBackend{polls: 1, failOn: map[string]bool{"1 0": true}}
	r := newTestRunner(backend, nil, nil)

	state, err := r.RunSync(context.Background(), SweepRequest{
		Ranges: scenarioRanges(),
		Mode:   Combinatorial,
		Run:    RunSpec{StepSize: 1, Iterations: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, SweepStatusComplete, state.Status)
	require.Len(t, state.Results, 6)
	assert.Equal(t, "failure", state.Results[1].Status)
	assert.Equal(t, 1, state.Results[1].ReturnCode)
	assert.Contains(t, state.Results[1].Error, "exec format error")
	assert.Equal(t, "success", state.Results[2].Status)
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], "job 1 0")
}

func TestRunner_StopAbandonsRemainingJobs(t *testing.T) {
	backend := &fakeBackend{polls: 2, pollsFor: map[string]int{"1 0": 1 << 30}}
	r := newTestRunner(backend, nil, nil)
	backend.onLaunch = func(j Job) {
		if j.ID == "1 0" {
			r.Stop()
		}
	}

	state, err := r.RunSync(context.Background(), SweepRequest{
		Ranges: scenarioRanges(),
		Mode:   Combinatorial,
		Run:    RunSpec{StepSize: 1, Iterations: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, SweepStatusError, state.Status)
	assert.Equal(t, "sweep stopped at job 2/6", state.Error)
	require.Len(t, state.Results, 2)
	assert.Equal(t, "user_stopped", state.Results[1].Status)
	assert.Equal(t, 0, state.Results[1].ReturnCode)
	assert.Equal(t, []string{"0 0", "1 0"}, backend.launched)
}

func TestRunner_StartValidation(t *testing.T) {
	r := newTestRunner(&fakeBackend{polls: 1}, nil, nil)

	err := r.Start(context.Background(), SweepRequest{Ranges: scenarioRanges(), Run: RunSpec{StepSize: 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step size")

	err = r.Start(context.Background(), SweepRequest{Run: RunSpec{StepSize: 1}})
	assert.ErrorIs(t, err, ErrNoJobs)

	err = r.Start(context.Background(), SweepRequest{Ranges: wideRanges(4, 1e6), Mode: Combinatorial, Run: RunSpec{StepSize: 1}})
	assert.ErrorIs(t, err, ErrTooManyJobs)

	assert.Equal(t, SweepStatusIdle, r.GetSweepState().Status)
}

func TestRunner_RejectsConcurrentSweep(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{polls: 1, onLaunch: func(Job) { <-release }}
	r := newTestRunner(backend, nil, nil)

	req := SweepRequest{Ranges: scenarioRanges(), Mode: Linear, Run: RunSpec{StepSize: 1}}
	require.NoError(t, r.Start(context.Background(), req))
	err := r.Start(context.Background(), req)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already in progress"))

	close(release)
	r.Wait()
	assert.Equal(t, SweepStatusComplete, r.GetSweepState().Status)
}

func TestWriteResultsCSV(t *testing.T) {
	state := SweepState{Results: []JobResult{
		{Index: 0, JobID: "0 X", RunID: "100", Params: map[string]float64{"b": 2, "a": 1}, Status: "success", Steps: 4, Elapsed: 2 * time.Second},
		{Index: 1, JobID: "1 X", RunID: "101", Params: map[string]float64{"a": 1.5}, Status: "failure", ReturnCode: 1, Steps: 2, Elapsed: 4 * time.Second, Error: "crash"},
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteResultsCSV(&buf, state))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "index,job_id,run_id,status,return_code,steps,skipped,elapsed_s,a,b,error", lines[0])
	assert.Equal(t, "0,0 X,100,success,0,4,0,2.000,1,2,", lines[1])
	assert.Equal(t, "1,1 X,101,failure,1,2,0,4.000,1.5,,crash", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "# jobs=2 success=1 failure=1 timed_out=0 stopped=0 elapsed_mean=3.000 elapsed_stddev=1.414"))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatElapsed(0))
	assert.Equal(t, "01:02:03", FormatElapsed(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
}
