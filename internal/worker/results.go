package worker

import (
	"fmt"
	"sync"
	"time"
)

// ResultStep is one ingested unit of worker output. Payload is whatever
// the StepReader produced and is opaque to the supervisor.
type ResultStep struct {
	Index      int
	Iteration  int
	Path       string
	Payload    any
	IngestedAt time.Time
}

// ResultLog is the append-only step sequence of one run. The supervisor is
// the only writer; any number of readers may call the accessors while it
// grows. Index i holds step i; skipped steps leave a gap.
type ResultLog struct {
	mu    sync.RWMutex
	steps []*ResultStep
	count int
}

// NewResultLog returns an empty log.
func NewResultLog() *ResultLog { return &ResultLog{} }

// Put stores step at step.Index. Indices must increase strictly.
func (l *ResultLog) Put(step ResultStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if step.Index < len(l.steps) {
		return fmt.Errorf("step %d already passed (log length %d)", step.Index, len(l.steps))
	}
	for len(l.steps) < step.Index {
		l.steps = append(l.steps, nil)
	}
	s := step
	l.steps = append(l.steps, &s)
	l.count++
	return nil
}

// Len is one past the highest stored index, gaps included.
func (l *ResultLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.steps)
}

// Count is the number of stored steps.
func (l *ResultLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// At returns step i; ok is false for gaps and out-of-range indices.
func (l *ResultLog) At(i int) (ResultStep, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.steps) || l.steps[i] == nil {
		return ResultStep{}, false
	}
	return *l.steps[i], true
}

// Last returns the highest stored step.
func (l *ResultLog) Last() (ResultStep, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.steps) - 1; i >= 0; i-- {
		if l.steps[i] != nil {
			return *l.steps[i], true
		}
	}
	return ResultStep{}, false
}

// Indices returns the stored step indices in order.
func (l *ResultLog) Indices() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int, 0, l.count)
	for i, s := range l.steps {
		if s != nil {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot returns copies of the stored steps in index order.
func (l *ResultLog) Snapshot() []ResultStep {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ResultStep, 0, l.count)
	for _, s := range l.steps {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}
