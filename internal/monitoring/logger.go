// Package monitoring wires the per-package ops/diag/trace log streams
// from a single level setting.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "MORPHOSWEEP_LOG_LEVEL"

// Logf is the command-level logger. It defaults to log.Printf and follows
// the ops stream once Apply has run.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level selects which streams are enabled. Each level includes the ones
// below it.
type Level int

const (
	LevelOff Level = iota
	LevelOps
	LevelDiag
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelOps:
		return "ops"
	case LevelDiag:
		return "diag"
	case LevelTrace:
		return "trace"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel accepts off, ops, diag or trace. Empty means ops.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LevelOff, nil
	case "", "ops":
		return LevelOps, nil
	case "diag":
		return LevelDiag, nil
	case "trace":
		return LevelTrace, nil
	}
	return LevelOps, fmt.Errorf("unknown log level %q", s)
}

// ResolveLevel parses the configured level, letting EnvLogLevel win.
func ResolveLevel(configured string) (Level, error) {
	if env, ok := os.LookupEnv(EnvLogLevel); ok && env != "" {
		return ParseLevel(env)
	}
	return ParseLevel(configured)
}

// Writers returns w for every stream enabled at level and nil otherwise.
func Writers(level Level, w io.Writer) (ops, diag, trace io.Writer) {
	if level >= LevelOps {
		ops = w
	}
	if level >= LevelDiag {
		diag = w
	}
	if level >= LevelTrace {
		trace = w
	}
	return ops, diag, trace
}

// Sink is a package's SetLogWriters function.
type Sink func(ops, diag, trace io.Writer)

// Apply configures every sink and Logf for level, writing to w.
func Apply(level Level, w io.Writer, sinks ...Sink) {
	ops, diag, trace := Writers(level, w)
	for _, s := range sinks {
		s(ops, diag, trace)
	}
	if ops == nil {
		SetLogger(nil)
		return
	}
	SetLogger(log.New(ops, "", log.LstdFlags|log.Lmicroseconds).Printf)
}
