package sweep

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/morphosweep/internal/params"
)

// Mode selects how ranges are combined into jobs.
type Mode int

const (
	// Linear varies one range at a time, the others held at base.
	Linear Mode = iota
	// Combinatorial emits the full Cartesian product of all ranges.
	Combinatorial
)

func (m Mode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Combinatorial:
		return "combinatorial"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "linear" or "combinatorial" (and "comb").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear", "lin", "":
		return Linear, nil
	case "combinatorial", "comb":
		return Combinatorial, nil
	default:
		return 0, fmt.Errorf("unknown sweep mode %q", s)
	}
}

// Base marks a digit whose range is held at the base value.
const Base = -1

// warnJobCount is the size above which a sweep is logged as suspicious.
const warnJobCount = 100000

// MaxJobs is the largest sweep Enumerate will build.
const MaxJobs = 1000000

// ErrTooManyJobs is returned when a selection exceeds MaxJobs.
var ErrTooManyJobs = errors.New("sweep exceeds job limit")

// Levels returns the level count of each range.
func Levels(ranges []RangeSpec) []int {
	k := make([]int, len(ranges))
	for i, r := range ranges {
		k[i] = r.Levels()
	}
	return k
}

// JobCount returns the number of jobs Enumerate would emit, without
// building them. Counts above MaxJobs return ErrTooManyJobs.
func JobCount(ranges []RangeSpec, mode Mode) (int, error) {
	if len(ranges) == 0 {
		return 0, nil
	}
	n := 0
	if mode == Combinatorial {
		n = 1
	}
	for _, r := range ranges {
		k := r.Levels()
		if mode == Combinatorial {
			if n > MaxJobs/k {
				return 0, fmt.Errorf("%w: product of levels passes %d at range %q", ErrTooManyJobs, MaxJobs, r.Name)
			}
			n *= k
		} else {
			if k > MaxJobs-n {
				return 0, fmt.Errorf("%w: sum of levels passes %d at range %q", ErrTooManyJobs, MaxJobs, r.Name)
			}
			n += k
		}
	}
	return n, nil
}

// Start returns the initial digit vector for mode.
func Start(levels []int, mode Mode) []int {
	d := make([]int, len(levels))
	if mode == Linear {
		for i := range d {
			d[i] = Base
		}
		if len(d) > 0 {
			d[0] = 0
		}
	}
	return d
}

// Advance returns the digit vector following d. ok is false when d is the
// last vector of the sweep. d is not modified.
func Advance(d, levels []int, mode Mode) (next []int, ok bool) {
	next = make([]int, len(d))
	copy(next, d)
	if mode == Combinatorial {
		for i := range next {
			if next[i] < levels[i]-1 {
				next[i]++
				for j := 0; j < i; j++ {
					next[j] = 0
				}
				return next, true
			}
		}
		return nil, false
	}

	last := len(next) - 1
	for i := 0; i < last; i++ {
		if next[i] == levels[i]-1 {
			next[i] = Base
			next[i+1] = 0
			return next, true
		}
	}
	for i := range next {
		if next[i] > Base {
			if next[i] >= levels[i]-1 {
				return nil, false
			}
			next[i]++
			return next, true
		}
	}
	return nil, false
}

// FormatJobID renders digits space-joined, with X for base digits.
func FormatJobID(digits []int) string {
	tokens := make([]string, len(digits))
	for i, d := range digits {
		if d == Base {
			tokens[i] = "X"
		} else {
			tokens[i] = strconv.Itoa(d)
		}
	}
	return strings.Join(tokens, " ")
}

// ParseJobID decodes a Job ID back into its digit vector.
func ParseJobID(id string) ([]int, error) {
	fields := strings.Fields(id)
	digits := make([]int, len(fields))
	for i, f := range fields {
		if f == "X" {
			digits[i] = Base
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid job id token %q in %q", f, id)
		}
		digits[i] = n
	}
	return digits, nil
}

// Job is one fully resolved parameter combination.
type Job struct {
	Index  int
	ID     string
	Digits []int
	Params *params.Set
}

// Slug is the Job ID with spaces replaced, usable as a directory name.
func (j Job) Slug() string {
	if j.ID == "" {
		return "base"
	}
	return strings.ReplaceAll(j.ID, " ", "_")
}

// Resolve applies digits to a clone of base. Base digits leave the
// parameter untouched.
func Resolve(ranges []RangeSpec, base *params.Set, digits []int) (*params.Set, error) {
	if len(digits) != len(ranges) {
		return nil, fmt.Errorf("digit vector has %d entries for %d ranges", len(digits), len(ranges))
	}
	set := base.WithID(FormatJobID(digits))
	for i, r := range ranges {
		if digits[i] == Base {
			continue
		}
		if digits[i] >= r.Levels() {
			return nil, fmt.Errorf("range %q: level %d out of %d", r.Name, digits[i], r.Levels())
		}
		if err := set.Set(r.Name, r.Value(digits[i])); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Enumerate builds the ordered job list. When trace is non-nil a
// human-readable job log is written to it.
func Enumerate(ranges []RangeSpec, base *params.Set, mode Mode, trace io.Writer) ([]Job, error) {
	if base == nil {
		base = params.New()
	}
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	total, err := JobCount(ranges, mode)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		if trace != nil {
			fmt.Fprintf(trace, "Number of jobs generated: 0\n")
		}
		return nil, nil
	}
	if total > warnJobCount {
		opsf("sweep of %d jobs exceeds %d; this will take a while", total, warnJobCount)
	}

	levels := Levels(ranges)
	jobs := make([]Job, 0, total)
	digits := Start(levels, mode)
	for i := 0; i < total; i++ {
		set, err := Resolve(ranges, base, digits)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		job := Job{Index: i, ID: set.ID(), Digits: digits, Params: set}
		jobs = append(jobs, job)
		if trace != nil {
			writeJobLog(trace, job, ranges)
		}
		if i == total-1 {
			break
		}
		next, ok := Advance(digits, levels, mode)
		if !ok {
			return nil, fmt.Errorf("odometer exhausted after %d of %d jobs", i+1, total)
		}
		digits = next
	}
	if trace != nil {
		fmt.Fprintf(trace, "Number of jobs generated: %d\n", len(jobs))
	}
	diagf("enumerated %d %s jobs over %d ranges", len(jobs), mode, len(ranges))
	return jobs, nil
}

func writeJobLog(w io.Writer, job Job, ranges []RangeSpec) {
	fmt.Fprintf(w, "i:%d --- %s\n", job.Index, job.ID)
	for i, r := range ranges {
		if job.Digits[i] == Base {
			continue
		}
		v, _ := job.Params.Get(r.Name)
		fmt.Fprintf(w, "par: %s, val: %f\n", r.Name, v)
	}
	fmt.Fprintln(w)
}
