package worker

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running child the supervisor can signal and wait on.
type Process interface {
	Pid() int
	// Terminate asks the process to exit (SIGTERM on unix).
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 when the process died from a signal.
	ExitCode() int
	// Err is the wait error, if any, valid after Done.
	Err() error
}

// LaunchSpec is a fully resolved command line.
type LaunchSpec struct {
	Path   string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Argv returns Path followed by Args.
func (s LaunchSpec) Argv() []string {
	return append([]string{s.Path}, s.Args...)
}

// Launcher starts processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(spec LaunchSpec) (Process, error)

// Launch calls f(spec).
func (f LauncherFunc) Launch(spec LaunchSpec) (Process, error) { return f(spec) }

// ExecLauncher starts real OS processes with os/exec.
type ExecLauncher struct {
	// WaitDelay bounds how long reaping waits for output pipes held open
	// by grandchildren once the process itself has exited. Zero means
	// DefaultKillWait.
	WaitDelay time.Duration
}

// Launch starts spec and reaps it in the background.
func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultKillWait
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{}), code: -1}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
	err  error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The process exited; only a leftover pipe writer was cut off.
		err = nil
	}
	p.mu.Lock()
	p.err = err
	if p.cmd.ProcessState != nil {
		p.code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return ignoreDone(terminate(p.cmd.Process))
}

func (p *execProcess) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// exited reports whether p has already exited, without blocking.
func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
