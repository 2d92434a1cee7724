package worker

import (
	"errors"
	"io"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/morphosweep/internal/testutil"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

func autoClock() *timeutil.MockClock {
	return timeutil.NewAutoClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestShutdown(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(p *testutil.FakeProcess)
		wantForced bool
		wantErr    bool
		wantTerms  int
		wantKills  int
	}{
		{
			name:      "already exited",
			setup:     func(p *testutil.FakeProcess) { p.Exit(0, nil) },
			wantTerms: 0,
		},
		{
			name:      "exits on terminate",
			setup:     func(p *testutil.FakeProcess) { p.ExitOnTerminate = true },
			wantTerms: 1,
		},
		{
			name:       "needs kill",
			setup:      func(p *testutil.FakeProcess) {},
			wantForced: true,
			wantTerms:  1,
			wantKills:  1,
		},
		{
			name:       "survives kill",
			setup:      func(p *testutil.FakeProcess) { p.IgnoreKill = true },
			wantForced: true,
			wantErr:    true,
			wantTerms:  1,
			wantKills:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewFakeProcess(10)
			tt.setup(p)
			clock := autoClock()
			start := clock.Now()

			forced, err := Shutdown(p, 100*time.Millisecond, 50*time.Millisecond, clock)
			assert.Equal(t, tt.wantForced, forced)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantTerms, p.Terminates())
			assert.Equal(t, tt.wantKills, p.Kills())
			assert.LessOrEqual(t, clock.Since(start), 150*time.Millisecond)
		})
	}
}

func TestRunBounded(t *testing.T) {
	clock := autoClock()

	ok := LauncherFunc(func(LaunchSpec) (Process, error) {
		p := testutil.NewFakeProcess(1)
		p.Exit(0, nil)
		return p, nil
	})
	assert.NoError(t, runBounded(ok, LaunchSpec{Path: "parser"}, time.Second, time.Second, clock))

	failing := LauncherFunc(func(LaunchSpec) (Process, error) {
		p := testutil.NewFakeProcess(2)
		p.Exit(3, errors.New("exit status 3"))
		return p, nil
	})
	err := runBounded(failing, LaunchSpec{Path: "parser"}, time.Second, time.Second, clock)
	assert.ErrorContains(t, err, "exit code 3")

	var hung *testutil.FakeProcess
	hanging := LauncherFunc(func(LaunchSpec) (Process, error) {
		hung = testutil.NewFakeProcess(3)
		return hung, nil
	})
	err = runBounded(hanging, LaunchSpec{Path: "parser"}, time.Second, time.Second, clock)
	assert.ErrorContains(t, err, "timed out")
	assert.Equal(t, 1, hung.Kills())

	broken := LauncherFunc(func(LaunchSpec) (Process, error) { return nil, errors.New("no such file") })
	assert.Error(t, runBounded(broken, LaunchSpec{Path: "parser"}, time.Second, time.Second, clock))
}

func TestExecLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	p, err := ExecLauncher{}.Launch(LaunchSpec{Path: sh, Args: []string{"-c", "exit 3"}, Dir: t.TempDir()})
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.Err())

	p, err = ExecLauncher{}.Launch(LaunchSpec{Path: sh, Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())
	forced, err := Shutdown(p, 2*time.Second, 2*time.Second, timeutil.RealClock{})
	require.NoError(t, err)
	assert.False(t, forced)
	assert.NotEqual(t, 0, p.ExitCode())

	_, err = ExecLauncher{}.Launch(LaunchSpec{Path: "/nonexistent/model"})
	assert.Error(t, err)
}

func TestExecLauncher_GrandchildHoldingOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	// The background sleep inherits the stdout pipe and outlives sh.
	p, err := ExecLauncher{WaitDelay: 100 * time.Millisecond}.Launch(LaunchSpec{
		Path:   sh,
		Args:   []string{"-c", "sleep 10 & echo started"},
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reaping blocked on the inherited output pipe")
	}
	assert.Equal(t, 0, p.ExitCode())
	assert.NoError(t, p.Err())
}

func TestConfigDefaults_LauncherWaitDelay(t *testing.T) {
	cfg := Config{KillWait: 300 * time.Millisecond}.withDefaults()
	assert.Equal(t, ExecLauncher{WaitDelay: 300 * time.Millisecond}, cfg.Launcher)

	cfg = Config{}.withDefaults()
	assert.Equal(t, ExecLauncher{WaitDelay: DefaultKillWait}, cfg.Launcher)
}
