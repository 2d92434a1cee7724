// Package worker supervises one external model run: staging, launch,
// incremental step ingestion, termination and the final outcome.
package worker

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/morphosweep/internal/fsutil"
	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/security"
	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// Errors returned by Start. Match with errors.Is.
var (
	ErrInvalidConfig = errors.New("invalid run configuration")
	ErrSetupFailed   = errors.New("run setup failed")
	ErrLaunchFailed  = errors.New("worker launch failed")
)

// Defaults for Config durations.
const (
	DefaultPollInterval  = 20 * time.Millisecond
	DefaultGracePeriod   = 100 * time.Millisecond
	DefaultKillWait      = 100 * time.Millisecond
	DefaultParserTimeout = 30 * time.Second
)

// BinDir is the directory under the temp root that holds staged resources.
const BinDir = "bin"

// State is a supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateLaunched
	StatePolling
	StateIngesting
	StateDraining
	StateTerminating
	StateKilled
	StateFailedToStart
	StateFinished
)

var stateNames = [...]string{
	"idle", "preparing", "launched", "polling", "ingesting",
	"draining", "terminating", "killed", "failed_to_start", "finished",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the settings shared by every run of one model.
type Config struct {
	// Binary is the model executable, relative to ResourcesDir when that
	// is set.
	Binary       string
	ResourcesDir string
	Interpreter  string
	InputStyle   InputStyle
	OutputStyle  OutputStyle

	GracePeriod   time.Duration
	KillWait      time.Duration
	ParserTimeout time.Duration

	// Parsers are helper programs, staged with the model, run on each
	// step file before it is read.
	Parsers []string

	RunIDs   RunIDSource
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
	Launcher Launcher
	Reader   StepReader
	Stdout   io.Writer
	Stderr   io.Writer
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	if c.ParserTimeout <= 0 {
		c.ParserTimeout = DefaultParserTimeout
	}
	if c.RunIDs == nil {
		c.RunIDs = ClockRunIDs{}
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Launcher == nil {
		c.Launcher = ExecLauncher{WaitDelay: c.KillWait}
	}
	if c.Reader == nil {
		c.Reader = RawReader{}
	}
	if c.InputStyle == "" {
		c.InputStyle = InputMorphoMaker
	}
	if c.OutputStyle == "" {
		c.OutputStyle = OutputPLY
	}
	return c
}

// Validate checks the settings that do not depend on a particular run.
func (c Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("%w: no model binary", ErrInvalidConfig)
	}
	if _, err := ParseInputStyle(string(c.InputStyle)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseOutputStyle(string(c.OutputStyle)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RunHandle describes one started run. It is a value copy; the
// supervisor keeps the live state.
type RunHandle struct {
	RunID      string
	JobID      string
	Dir        string
	ParamFile  string
	Command    []string
	StepSize   int
	Iterations int
	TimeLimit  time.Duration
	StartedAt  time.Time
}

// Supervisor owns the lifecycle of exactly one worker invocation.
type Supervisor struct {
	cfg Config

	// tick serialises Poll.
	tick sync.Mutex

	mu       sync.RWMutex
	state    State
	handle   RunHandle
	proc     Process
	results  *ResultLog
	next     int
	last     int
	skipped  int
	exitCode int
	stopped  bool
	timedOut bool
	killed   bool
	elapsed  time.Duration
	err      error

	stopReq atomic.Bool
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		results: NewResultLog(),
		last:    -1,
	}
}

// Start prepares the run directory, stages the model and launches it.
// timeLimit of zero or less means unlimited.
func (s *Supervisor) Start(job sweep.Job, tempRoot string, stepSize, iterations int, timeLimit time.Duration) (RunHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return RunHandle{}, fmt.Errorf("supervisor already used (state %s)", s.state)
	}
	if err := s.cfg.Validate(); err != nil {
		return RunHandle{}, err
	}
	if stepSize <= 0 {
		return RunHandle{}, fmt.Errorf("%w: step size must be positive, got %d", ErrInvalidConfig, stepSize)
	}
	if iterations < 0 {
		return RunHandle{}, fmt.Errorf("%w: iterations must not be negative, got %d", ErrInvalidConfig, iterations)
	}
	if tempRoot == "" {
		return RunHandle{}, fmt.Errorf("%w: no temp root", ErrInvalidConfig)
	}

	s.state = StatePreparing
	now := s.cfg.Clock.Now()
	runID := strconv.FormatInt(s.cfg.RunIDs.Next(now), 10)
	h := RunHandle{
		RunID:      runID,
		JobID:      job.ID,
		Dir:        filepath.Join(tempRoot, runID),
		ParamFile:  "mpar_" + runID + ".txt",
		StepSize:   stepSize,
		Iterations: iterations,
		TimeLimit:  timeLimit,
	}
	s.handle = h

	binary, err := s.prepare(job, tempRoot, h)
	if err != nil {
		s.finishLocked(fmt.Errorf("%w: %v", ErrSetupFailed, err))
		return RunHandle{}, s.err
	}

	path, args := command(binary, s.cfg.Interpreter, s.cfg.InputStyle.Args(h.ParamFile, runID, stepSize, iterations))
	spec := LaunchSpec{Path: path, Args: args, Dir: h.Dir, Stdout: s.cfg.Stdout, Stderr: s.cfg.Stderr}
	h.Command = spec.Argv()

	s.state = StateLaunched
	proc, err := s.cfg.Launcher.Launch(spec)
	if err != nil {
		s.state = StateFailedToStart
		opsf("run %s (job %s): failed to start %s: %v", runID, job.ID, path, err)
		s.finishLocked(fmt.Errorf("%w: %v", ErrLaunchFailed, err))
		return RunHandle{}, s.err
	}
	h.StartedAt = s.cfg.Clock.Now()
	s.handle = h
	s.proc = proc
	s.state = StatePolling
	diagf("run %s (job %s): launched pid %d in %s", runID, job.ID, proc.Pid(), h.Dir)
	return h, nil
}

// prepare creates the run directory, stages resources into <tempRoot>/bin
// and writes the parameter file. It returns the staged binary path.
func (s *Supervisor) prepare(job sweep.Job, tempRoot string, h RunHandle) (string, error) {
	fsys := s.cfg.FS
	if err := fsys.MkdirAll(h.Dir, 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	binDir := filepath.Join(tempRoot, BinDir)
	if err := fsys.MkdirAll(binDir, 0755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}

	src := s.cfg.Binary
	if s.cfg.ResourcesDir != "" {
		if _, err := fsutil.CopyDir(fsys, s.cfg.ResourcesDir, binDir); err != nil {
			return "", fmt.Errorf("stage resources: %w", err)
		}
		src = filepath.Join(s.cfg.ResourcesDir, s.cfg.Binary)
	} else if err := fsutil.CopyFile(fsys, src, filepath.Join(binDir, filepath.Base(src))); err != nil {
		return "", fmt.Errorf("stage binary: %w", err)
	}
	staged := filepath.Join(binDir, filepath.Base(src))
	if !fsys.Exists(staged) {
		return "", fmt.Errorf("binary %s not found after staging", s.cfg.Binary)
	}

	set := job.Params
	if set == nil {
		set = params.New()
	}
	data, err := params.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	if err := fsys.WriteFile(filepath.Join(h.Dir, h.ParamFile), data, 0644); err != nil {
		return "", fmt.Errorf("write parameter file: %w", err)
	}
	diagf("run %s: staged %s, wrote %s", h.RunID, staged, h.ParamFile)
	return staged, nil
}

// Stop requests termination. It is observed on the next Poll and is a
// no-op before Start and after Finished.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st == StateIdle || st == StateFinished {
		return
	}
	s.stopReq.Store(true)
}

// Poll advances the state machine by one tick.
func (s *Supervisor) Poll() {
	s.tick.Lock()
	defer s.tick.Unlock()

	switch s.State() {
	case StatePolling:
		s.pollRunning()
	case StateDraining:
		s.pollDraining()
	}
}

func (s *Supervisor) pollRunning() {
	h := s.Handle()
	clock := s.cfg.Clock

	if s.stopReq.Load() {
		s.terminate(false)
		return
	}
	if exited(s.proc) {
		s.markExited()
		return
	}
	if h.TimeLimit > 0 && clock.Since(h.StartedAt) > h.TimeLimit {
		opsf("run %s: time limit %s exceeded", h.RunID, h.TimeLimit)
		s.terminate(true)
		return
	}

	s.mu.RLock()
	n := s.next
	s.mu.RUnlock()
	if _, ok := s.artifact(n + 1); !ok {
		tracef("run %s: waiting for step %d", h.RunID, n+1)
		return
	}
	s.setState(StateIngesting)
	s.ingest(n)
	s.setState(StatePolling)
}

func (s *Supervisor) pollDraining() {
	s.mu.RLock()
	n := s.next
	s.mu.RUnlock()
	if _, ok := s.artifact(n); ok {
		s.ingest(n)
		return
	}
	s.mu.Lock()
	s.finishLocked(nil)
	s.mu.Unlock()
}

// terminate runs the two-phase shutdown and moves on to draining.
func (s *Supervisor) terminate(timedOut bool) {
	s.mu.Lock()
	s.state = StateTerminating
	if timedOut {
		s.timedOut = true
	} else {
		s.stopped = true
	}
	proc := s.proc
	id := s.handle.RunID
	s.mu.Unlock()

	diagf("run %s: terminating pid %d", id, proc.Pid())
	forced, err := Shutdown(proc, s.cfg.GracePeriod, s.cfg.KillWait, s.cfg.Clock)
	if forced {
		s.mu.Lock()
		s.state = StateKilled
		s.killed = true
		s.mu.Unlock()
	}
	if err != nil {
		opsf("run %s: %v", id, err)
	}
	s.markExited()
}

// markExited records the exit code and enters Draining.
func (s *Supervisor) markExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := -1
	if exited(s.proc) {
		code = s.proc.ExitCode()
	}
	s.exitCode = code
	if code != 0 && !s.stopped && !s.timedOut {
		opsf("run %s: worker exited with code %d: %v", s.handle.RunID, code, s.proc.Err())
	} else {
		diagf("run %s: worker exited with code %d", s.handle.RunID, code)
	}
	s.state = StateDraining
}

// artifact finds the file for step n.
func (s *Supervisor) artifact(n int) (string, bool) {
	h := s.Handle()
	iteration := n * h.StepSize
	matches, err := fsutil.MatchFiles(s.cfg.FS, h.Dir, ArtifactPattern(iteration, h.RunID, s.cfg.OutputStyle))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return pickArtifact(matches, iteration, h.RunID, s.cfg.OutputStyle)
}

// ingest reads step n. A failed read leaves a gap at n.
func (s *Supervisor) ingest(n int) {
	h := s.Handle()
	path, ok := s.artifact(n)
	if ok {
		s.runParsers(h, path)
	}
	var payload any
	var err error
	if ok {
		payload, err = s.cfg.Reader.ReadStep(s.cfg.FS, path)
	} else {
		err = fmt.Errorf("step file vanished")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = n + 1
	if err != nil {
		s.skipped++
		opsf("run %s: skipping step %d: %v", h.RunID, n, err)
		return
	}
	step := ResultStep{Index: n, Iteration: n * h.StepSize, Path: path, Payload: payload, IngestedAt: s.cfg.Clock.Now()}
	if err := s.results.Put(step); err != nil {
		s.skipped++
		opsf("run %s: %v", h.RunID, err)
		return
	}
	s.last = n
	tracef("run %s: ingested step %d (%s)", h.RunID, n, filepath.Base(path))
}

// runParsers passes path through each configured output parser. A parser
// writes parser_tmp_<id>.txt, which then replaces the step file.
func (s *Supervisor) runParsers(h RunHandle, path string) {
	if len(s.cfg.Parsers) == 0 {
		return
	}
	binDir := filepath.Join(filepath.Dir(h.Dir), BinDir)
	tmp := filepath.Join(h.Dir, "parser_tmp_"+h.RunID+".txt")
	for _, p := range s.cfg.Parsers {
		if err := security.ValidateName(p); err != nil {
			opsf("run %s: skipping parser: %v", h.RunID, err)
			continue
		}
		prog, args := command(filepath.Join(binDir, p), s.cfg.Interpreter, []string{path, tmp})
		spec := LaunchSpec{Path: prog, Args: args, Dir: h.Dir, Stdout: s.cfg.Stdout, Stderr: s.cfg.Stderr}
		if err := runBounded(s.cfg.Launcher, spec, s.cfg.ParserTimeout, s.cfg.KillWait, s.cfg.Clock); err != nil {
			opsf("run %s: parser %s on %s: %v", h.RunID, p, filepath.Base(path), err)
			continue
		}
		if s.cfg.FS.Exists(tmp) {
			if err := s.cfg.FS.Rename(tmp, path); err != nil {
				opsf("run %s: replace %s: %v", h.RunID, filepath.Base(path), err)
			}
		}
	}
}

// finishLocked moves to Finished. s.mu must be held.
func (s *Supervisor) finishLocked(err error) {
	if err != nil {
		s.err = err
	}
	if !s.handle.StartedAt.IsZero() {
		s.elapsed = s.cfg.Clock.Since(s.handle.StartedAt)
	}
	s.state = StateFinished
	diagf("run %s: finished %s, %d steps, %d skipped, %s",
		s.handle.RunID, s.statusLocked(), s.results.Count(), s.skipped, sweep.FormatElapsed(s.elapsed))
}

func (s *Supervisor) statusLocked() sweep.RunStatus {
	switch {
	case s.err != nil:
		return sweep.StatusFailure
	case s.timedOut:
		return sweep.StatusTimedOut
	case s.stopped:
		return sweep.StatusUserStopped
	case s.exitCode != 0:
		return sweep.StatusFailure
	default:
		return sweep.StatusSuccess
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns a copy of the run handle.
func (s *Supervisor) Handle() RunHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Results is the run's step log. Readers may use it while the run is
// still going.
func (s *Supervisor) Results() *ResultLog { return s.results }

// Progress is 100*lastStep*stepSize/iterations in [0,100]; 100 when
// iterations is zero.
func (s *Supervisor) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle.Iterations == 0 {
		return 100
	}
	if s.last < 0 {
		return 0
	}
	p := 100 * float64(s.last) * float64(s.handle.StepSize) / float64(s.handle.Iterations)
	if p > 100 {
		return 100
	}
	return p
}

// IsRunning reports whether the worker process may still be alive.
func (s *Supervisor) IsRunning() bool {
	switch s.State() {
	case StateLaunched, StatePolling, StateIngesting, StateTerminating:
		return true
	}
	return false
}

// Killed reports whether termination had to escalate to a forced kill.
func (s *Supervisor) Killed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killed
}

// Finished reports whether the run has reached its terminal state.
func (s *Supervisor) Finished() bool { return s.State() == StateFinished }

// Outcome summarises the run. It is meaningful once Finished.
func (s *Supervisor) Outcome() sweep.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := s.statusLocked()
	return sweep.Outcome{
		JobID:      s.handle.JobID,
		RunID:      s.handle.RunID,
		Dir:        s.dirLocked(),
		Status:     status,
		ReturnCode: status.ReturnCode(),
		Steps:      s.results.Count(),
		Skipped:    s.skipped,
		Elapsed:    s.elapsed,
		Err:        s.err,
	}
}

// dirLocked hides the run directory of a run that never got one.
func (s *Supervisor) dirLocked() string {
	if s.handle.StartedAt.IsZero() {
		return ""
	}
	return s.handle.Dir
}
