// Package sweep turns parameter ranges into an ordered job queue and drives
// the queue through a worker backend.
package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/morphosweep/internal/params"
)

// RangeSpec defines one swept parameter.
type RangeSpec struct {
	Name string  `json:"name" yaml:"name" toml:"name"`
	Min  float64 `json:"min" yaml:"min" toml:"min"`
	Step float64 `json:"step" yaml:"step" toml:"step"`
	Max  float64 `json:"max" yaml:"max" toml:"max"`
}

// EffectiveStep returns Step, with zero treated as 1.
func (r RangeSpec) EffectiveStep() float64 {
	if r.Step == 0 {
		return 1
	}
	return r.Step
}

// Levels returns round((Max-Min)/step)+1, never less than 1. Spans wider
// than MaxJobs levels are clamped to MaxJobs+1 so counting rejects them.
func (r RangeSpec) Levels() int {
	v := math.Round((r.Max - r.Min) / r.EffectiveStep())
	switch {
	case math.IsNaN(v) || v < 0:
		return 1
	case v >= MaxJobs:
		return MaxJobs + 1
	}
	return int(v) + 1
}

// Value returns the parameter value at level index d.
func (r RangeSpec) Value(d int) float64 {
	return r.Min + float64(d)*r.EffectiveStep()
}

// Validate rejects ranges that cannot be applied to a parameter set.
func (r RangeSpec) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("range has no parameter name")
	}
	if params.IsReserved(r.Name) {
		return fmt.Errorf("range %q: %w", r.Name, params.ErrReservedName)
	}
	for _, v := range []float64{r.Min, r.Step, r.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("range %q: non-finite bound", r.Name)
		}
	}
	return nil
}

func (r RangeSpec) String() string {
	return fmt.Sprintf("%s==%s:%s:%s", r.Name,
		params.FormatValue(r.Min), params.FormatValue(r.Step), params.FormatValue(r.Max))
}

// ParseRangeSpec parses a "min:step:max" string for parameter name.
func ParseRangeSpec(name, s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:step:max", s)
	}

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}

	step, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid step value %q: %w", parts[1], err)
	}

	max, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid max value %q: %w", parts[2], err)
	}

	return RangeSpec{Name: strings.TrimSpace(name), Min: min, Step: step, Max: max}, nil
}
