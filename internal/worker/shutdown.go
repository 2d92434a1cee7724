package worker

import (
	"fmt"
	"time"

	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// Shutdown stops p in two phases: terminate, wait up to grace, then kill
// and wait up to killWait. forced reports whether the kill was needed. An
// error means the process was still alive after the kill wait.
func Shutdown(p Process, grace, killWait time.Duration, clock timeutil.Clock) (forced bool, err error) {
	if exited(p) {
		return false, nil
	}
	if err := p.Terminate(); err != nil {
		diagf("pid %d: terminate: %v", p.Pid(), err)
	}
	if waitExit(p, grace, clock) {
		diagf("pid %d exited after terminate", p.Pid())
		return false, nil
	}

	opsf("pid %d still running after %s grace period, killing", p.Pid(), grace)
	if err := p.Kill(); err != nil {
		opsf("pid %d: kill: %v", p.Pid(), err)
	}
	if waitExit(p, killWait, clock) {
		return true, nil
	}
	return true, fmt.Errorf("pid %d still running %s after kill", p.Pid(), killWait)
}

// waitExit waits up to d for p to exit.
func waitExit(p Process, d time.Duration, clock timeutil.Clock) bool {
	select {
	case <-p.Done():
		return true
	case <-clock.After(d):
		return exited(p)
	}
}

// runBounded launches spec and waits up to timeout for it to exit,
// shutting it down on timeout.
func runBounded(l Launcher, spec LaunchSpec, timeout, killWait time.Duration, clock timeutil.Clock) error {
	p, err := l.Launch(spec)
	if err != nil {
		return err
	}
	if !waitExit(p, timeout, clock) {
		if _, err := Shutdown(p, 0, killWait, clock); err != nil {
			return fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return fmt.Errorf("timed out after %s", timeout)
	}
	if code := p.ExitCode(); code != 0 {
		return fmt.Errorf("exit code %d", code)
	}
	return nil
}
