package sweep

import (
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/morphosweep/internal/params"
)

// Planner holds the selected ranges and the populated job queue. Jobs are
// handed out once each, in enumeration order.
type Planner struct {
	mu     sync.Mutex
	ranges []RangeSpec
	base   *params.Set
	mode   Mode
	queue  []Job
	cursor int
}

// NewPlanner creates a planner over base in the given mode.
func NewPlanner(base *params.Set, mode Mode) *Planner {
	if base == nil {
		base = params.New()
	}
	return &Planner{base: base, mode: mode}
}

// AddRange selects a range. A range for an already selected parameter
// replaces it in place.
func (p *Planner) AddRange(r RangeSpec) error {
	if err := r.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.ranges {
		if p.ranges[i].Name == r.Name {
			p.ranges[i] = r
			return nil
		}
	}
	p.ranges = append(p.ranges, r)
	return nil
}

// RemoveRange drops the range for name. It reports whether one was removed.
func (p *Planner) RemoveRange(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.ranges {
		if p.ranges[i].Name == name {
			p.ranges = append(p.ranges[:i], p.ranges[i+1:]...)
			return true
		}
	}
	return false
}

// Ranges returns a copy of the selected ranges.
func (p *Planner) Ranges() []RangeSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RangeSpec, len(p.ranges))
	copy(out, p.ranges)
	return out
}

// SetBase replaces the base parameter set.
func (p *Planner) SetBase(base *params.Set) {
	p.mu.Lock()
	p.base = base
	p.mu.Unlock()
}

// SetMode changes the sweep mode.
func (p *Planner) SetMode(mode Mode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

// Mode returns the sweep mode.
func (p *Planner) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Count returns the job count for the current selection.
func (p *Planner) Count() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return JobCount(p.ranges, p.mode)
}

// Populate enumerates the queue, discarding any previous one.
func (p *Planner) Populate(trace io.Writer) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs, err := Enumerate(p.ranges, p.base, p.mode, trace)
	if err != nil {
		return 0, fmt.Errorf("populate job queue: %w", err)
	}
	p.queue = jobs
	p.cursor = 0
	return len(jobs), nil
}

// NextJob returns the next unconsumed job.
func (p *Planner) NextJob() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.queue) {
		return Job{}, false
	}
	j := p.queue[p.cursor]
	p.cursor++
	return j, true
}

// JobAt returns the queued job at index i.
func (p *Planner) JobAt(i int) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.queue) {
		return Job{}, false
	}
	return p.queue[i], true
}

// QueueLen returns the number of populated jobs.
func (p *Planner) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cursor returns the number of jobs already handed out.
func (p *Planner) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Reset clears the queue and cursor. Ranges and base are kept.
func (p *Planner) Reset() {
	p.mu.Lock()
	p.queue = nil
	p.cursor = 0
	p.mu.Unlock()
}

// Clear resets the planner to an empty selection.
func (p *Planner) Clear() {
	p.mu.Lock()
	p.ranges = nil
	p.queue = nil
	p.cursor = 0
	p.base = params.New()
	p.mu.Unlock()
}
