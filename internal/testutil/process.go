package testutil

import (
	"errors"
	"sync"
)

// FakeProcess is a scriptable stand-in for a child process. It satisfies
// worker.Process.
type FakeProcess struct {
	PID int

	// ExitOnTerminate makes Terminate end the process with TerminateCode.
	ExitOnTerminate bool
	TerminateCode   int
	// IgnoreKill makes Kill a no-op, simulating an unkillable process.
	IgnoreKill bool

	mu         sync.Mutex
	done       chan struct{}
	code       int
	err        error
	terminates int
	kills      int
}

// NewFakeProcess returns a running fake process.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{PID: pid, done: make(chan struct{}), code: -1}
}

// Pid returns the fake pid.
func (p *FakeProcess) Pid() int { return p.PID }

// Terminate records the call and exits if ExitOnTerminate is set.
func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminates++
	exit := p.ExitOnTerminate
	code := p.TerminateCode
	p.mu.Unlock()
	if exit {
		p.Exit(code, nil)
	}
	return nil
}

// Kill records the call and exits with -1 unless IgnoreKill is set.
func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	ignore := p.IgnoreKill
	p.mu.Unlock()
	if !ignore {
		p.Exit(-1, errors.New("signal: killed"))
	}
	return nil
}

// Exit ends the process. Later calls are ignored.
func (p *FakeProcess) Exit(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.code = code
	p.err = err
	close(p.done)
}

// Done is closed on exit.
func (p *FakeProcess) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit code, -1 while running.
func (p *FakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// Err returns the exit error.
func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Terminates returns how many times Terminate was called.
func (p *FakeProcess) Terminates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates
}

// Kills returns how many times Kill was called.
func (p *FakeProcess) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}
