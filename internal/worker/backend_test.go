package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/morphosweep/internal/params"
	"github.com/banshee-data/morphosweep/internal/sweep"
)

func waitFinished(t *testing.T, run sweep.Run) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !run.Finished() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		run.Poll()
		time.Sleep(time.Millisecond)
	}
}

func TestLibraryBackend_Success(t *testing.T) {
	b := &LibraryBackend{
		RunIDs: fixedRunIDs(99),
		Model: func(ctx context.Context, set *params.Set, spec sweep.RunSpec, emit func(any)) error {
			k, _ := set.Get("k_act")
			for i := 0; i <= spec.Iterations; i += spec.StepSize {
				emit(k * float64(i))
			}
			return nil
		},
	}
	run, err := b.Launch(testJob(t), sweep.RunSpec{StepSize: 10, Iterations: 30})
	require.NoError(t, err)
	waitFinished(t, run)

	out := run.Outcome()
	assert.Equal(t, sweep.StatusSuccess, out.Status)
	assert.Equal(t, "99", out.RunID)
	assert.Equal(t, "1 X", out.JobID)
	assert.Equal(t, 4, out.Steps)
	assert.Equal(t, 100.0, run.Progress())
	assert.False(t, run.IsRunning())

	log := run.(*libraryRun).Results()
	last, ok := log.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last.Index)
	assert.Equal(t, 30, last.Iteration)
	assert.InDelta(t, 7.5, last.Payload, 1e-9)
}

func TestLibraryBackend_Stop(t *testing.T) {
	started := make(chan struct{})
	b := &LibraryBackend{
		Model: func(ctx context.Context, _ *params.Set, _ sweep.RunSpec, emit func(any)) error {
			emit("first")
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	run, err := b.Launch(testJob(t), sweep.RunSpec{StepSize: 1, Iterations: 10})
	require.NoError(t, err)
	<-started
	run.Stop()
	waitFinished(t, run)

	out := run.Outcome()
	assert.Equal(t, sweep.StatusUserStopped, out.Status)
	assert.Equal(t, 0, out.ReturnCode)
	assert.Equal(t, 1, out.Steps)
	assert.NoError(t, out.Err)
}

func TestLibraryBackend_Failure(t *testing.T) {
	b := &LibraryBackend{
		Model: func(context.Context, *params.Set, sweep.RunSpec, func(any)) error {
			return errors.New("diverged")
		},
	}
	run, err := b.Launch(testJob(t), sweep.RunSpec{StepSize: 1, Iterations: 10})
	require.NoError(t, err)
	waitFinished(t, run)

	out := run.Outcome()
	assert.Equal(t, sweep.StatusFailure, out.Status)
	assert.Equal(t, 1, out.ReturnCode)
	assert.EqualError(t, out.Err, "diverged")
	assert.Equal(t, 0.0, run.Progress())
}

func TestLibraryBackend_InvalidConfig(t *testing.T) {
	_, err := (&LibraryBackend{}).Launch(testJob(t), sweep.RunSpec{StepSize: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b := &LibraryBackend{Model: func(context.Context, *params.Set, sweep.RunSpec, func(any)) error { return nil }}
	_, err = b.Launch(testJob(t), sweep.RunSpec{StepSize: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
