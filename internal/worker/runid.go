package worker

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RunIDSource hands out run identifiers.
type RunIDSource interface {
	Next(now time.Time) int64
}

// ClockRunIDs derives the run ID from wall-clock seconds. Two launches in
// the same second get the same ID; step file names depend on it, so this
// is kept as the default.
type ClockRunIDs struct{}

// Next returns now in unix seconds.
func (ClockRunIDs) Next(now time.Time) int64 { return now.Unix() }

// CounterRunIDs never repeats: max(last+1, unix seconds).
type CounterRunIDs struct {
	mu   sync.Mutex
	last int64
}

// Next returns the next unique ID.
func (c *CounterRunIDs) Next(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := now.Unix()
	if id <= c.last {
		id = c.last + 1
	}
	c.last = id
	return id
}

// NewRunIDSource selects "clock" (default) or "counter".
func NewRunIDSource(mode string) (RunIDSource, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "clock":
		return ClockRunIDs{}, nil
	case "counter":
		return &CounterRunIDs{}, nil
	default:
		return nil, fmt.Errorf("unknown run id source %q", mode)
	}
}
