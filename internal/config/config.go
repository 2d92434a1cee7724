// Package config loads sweep settings from JSON, TOML or YAML files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/morphosweep/internal/security"
	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/worker"
)

// DefaultConfigName is looked up in the working directory when no
// config path is given.
const DefaultConfigName = "morphosweep.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// SweepConfig holds everything needed to run a sweep. Nil fields fall back
// to the defaults returned by the Get* methods, so partial files are safe.
// Durations are strings such as "500ms" or "2h".
type SweepConfig struct {
	// Model
	Binary        *string  `json:"binary,omitempty" toml:"binary" yaml:"binary,omitempty"`
	ResourcesDir  *string  `json:"resources_dir,omitempty" toml:"resources_dir" yaml:"resources_dir,omitempty"`
	InputStyle    *string  `json:"input_style,omitempty" toml:"input_style" yaml:"input_style,omitempty"`
	OutputStyle   *string  `json:"output_style,omitempty" toml:"output_style" yaml:"output_style,omitempty"`
	Interpreter   *string  `json:"interpreter,omitempty" toml:"interpreter" yaml:"interpreter,omitempty"`
	OutputParsers []string `json:"output_parsers,omitempty" toml:"output_parsers" yaml:"output_parsers,omitempty"`

	// Run
	TempRoot    *string `json:"temp_root,omitempty" toml:"temp_root" yaml:"temp_root,omitempty"`
	StepSize    *int    `json:"step_size,omitempty" toml:"step_size" yaml:"step_size,omitempty"`
	Iterations  *int    `json:"iterations,omitempty" toml:"iterations" yaml:"iterations,omitempty"`
	TimeLimit   *string `json:"time_limit,omitempty" toml:"time_limit" yaml:"time_limit,omitempty"`
	RunIDSource *string `json:"run_id_source,omitempty" toml:"run_id_source" yaml:"run_id_source,omitempty"`

	// Supervisor timing
	PollInterval  *string `json:"poll_interval,omitempty" toml:"poll_interval" yaml:"poll_interval,omitempty"`
	GracePeriod   *string `json:"grace_period,omitempty" toml:"grace_period" yaml:"grace_period,omitempty"`
	KillWait      *string `json:"kill_wait,omitempty" toml:"kill_wait" yaml:"kill_wait,omitempty"`
	ParserTimeout *string `json:"parser_timeout,omitempty" toml:"parser_timeout" yaml:"parser_timeout,omitempty"`

	// Sweep
	Mode     *string           `json:"mode,omitempty" toml:"mode" yaml:"mode,omitempty"`
	ScanFile *string           `json:"scan_file,omitempty" toml:"scan_file" yaml:"scan_file,omitempty"`
	Ranges   []sweep.RangeSpec `json:"ranges,omitempty" toml:"ranges" yaml:"ranges,omitempty"`

	// Output
	LedgerPath *string `json:"ledger_path,omitempty" toml:"ledger_path" yaml:"ledger_path,omitempty"`
	ExportDir  *string `json:"export_dir,omitempty" toml:"export_dir" yaml:"export_dir,omitempty"`
	LogLevel   *string `json:"log_level,omitempty" toml:"log_level" yaml:"log_level,omitempty"`
}

// Load reads a config file, choosing the decoder from its extension.
func Load(path string) (*SweepConfig, error) {
	cleanPath := filepath.Clean(path)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SweepConfig{}
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file must be .json, .toml, .yaml or .yml, got %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *SweepConfig) Validate() error {
	if c.StepSize != nil && *c.StepSize <= 0 {
		return fmt.Errorf("step_size must be positive, got %d", *c.StepSize)
	}
	if c.Iterations != nil && *c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", *c.Iterations)
	}
	if c.InputStyle != nil {
		if _, err := worker.ParseInputStyle(*c.InputStyle); err != nil {
			return err
		}
	}
	if c.OutputStyle != nil {
		if _, err := worker.ParseOutputStyle(*c.OutputStyle); err != nil {
			return err
		}
	}
	if c.Mode != nil {
		if _, err := sweep.ParseMode(*c.Mode); err != nil {
			return err
		}
	}
	if c.RunIDSource != nil {
		if _, err := worker.NewRunIDSource(*c.RunIDSource); err != nil {
			return err
		}
	}
	if c.TimeLimit != nil {
		if _, err := parseTimeLimit(*c.TimeLimit); err != nil {
			return fmt.Errorf("invalid time_limit '%s': %w", *c.TimeLimit, err)
		}
	}
	for name, d := range map[string]*string{
		"poll_interval":  c.PollInterval,
		"grace_period":   c.GracePeriod,
		"kill_wait":      c.KillWait,
		"parser_timeout": c.ParserTimeout,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.LogLevel != nil {
		switch strings.ToLower(*c.LogLevel) {
		case "", "ops", "diag", "trace", "off":
		default:
			return fmt.Errorf("unknown log_level %q", *c.LogLevel)
		}
	}
	for _, p := range c.OutputParsers {
		if err := security.ValidateName(p); err != nil {
			return fmt.Errorf("output_parsers: %w", err)
		}
	}
	for _, r := range c.Ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// parseTimeLimit accepts a duration, or "", "0" and "-1" for no limit.
func parseTimeLimit(s string) (time.Duration, error) {
	switch strings.TrimSpace(s) {
	case "", "0", "-1":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// GetBinary returns the model binary; there is no default.
func (c *SweepConfig) GetBinary() string { return stringOr(c.Binary, "") }

// GetResourcesDir returns the directory staged alongside the binary.
func (c *SweepConfig) GetResourcesDir() string { return stringOr(c.ResourcesDir, "") }

// GetInputStyle returns the argument layout, MorphoMaker by default.
func (c *SweepConfig) GetInputStyle() worker.InputStyle {
	s, err := worker.ParseInputStyle(stringOr(c.InputStyle, ""))
	if err != nil {
		return worker.InputMorphoMaker
	}
	return s
}

// GetOutputStyle returns the step file style, PLY by default.
func (c *SweepConfig) GetOutputStyle() worker.OutputStyle {
	s, err := worker.ParseOutputStyle(stringOr(c.OutputStyle, ""))
	if err != nil {
		return worker.OutputPLY
	}
	return s
}

// GetInterpreter returns the interpreter for .py models.
func (c *SweepConfig) GetInterpreter() string {
	return stringOr(c.Interpreter, worker.DefaultInterpreter)
}

// GetTempRoot returns the process-wide temporary root.
func (c *SweepConfig) GetTempRoot() string {
	return stringOr(c.TempRoot, filepath.Join(os.TempDir(), "morphosweep"))
}

// GetStepSize returns the step size or 100.
func (c *SweepConfig) GetStepSize() int {
	if c.StepSize == nil {
		return 100
	}
	return *c.StepSize
}

// GetIterations returns the iteration count or 10000.
func (c *SweepConfig) GetIterations() int {
	if c.Iterations == nil {
		return 10000
	}
	return *c.Iterations
}

// GetTimeLimit returns the per-run limit; zero means unlimited.
func (c *SweepConfig) GetTimeLimit() time.Duration {
	if c.TimeLimit == nil {
		return 0
	}
	d, err := parseTimeLimit(*c.TimeLimit)
	if err != nil {
		return 0
	}
	return d
}

// GetRunIDSource returns "clock" or "counter".
func (c *SweepConfig) GetRunIDSource() string {
	return strings.ToLower(stringOr(c.RunIDSource, "clock"))
}

// GetPollInterval returns the supervisor tick.
func (c *SweepConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, sweep.DefaultPollInterval)
}

// GetGracePeriod returns the wait between terminate and kill.
func (c *SweepConfig) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, worker.DefaultGracePeriod)
}

// GetKillWait returns the wait after kill.
func (c *SweepConfig) GetKillWait() time.Duration {
	return durationOr(c.KillWait, worker.DefaultKillWait)
}

// GetParserTimeout returns the per-step output parser timeout.
func (c *SweepConfig) GetParserTimeout() time.Duration {
	return durationOr(c.ParserTimeout, worker.DefaultParserTimeout)
}

// GetMode returns the sweep mode, combinatorial by default.
func (c *SweepConfig) GetMode() sweep.Mode {
	m, err := sweep.ParseMode(stringOr(c.Mode, "combinatorial"))
	if err != nil {
		return sweep.Combinatorial
	}
	return m
}

// GetScanFile returns the scan list path.
func (c *SweepConfig) GetScanFile() string { return stringOr(c.ScanFile, sweep.DefaultScanFile) }

// GetLedgerPath returns the ledger database path; empty disables the ledger.
func (c *SweepConfig) GetLedgerPath() string { return stringOr(c.LedgerPath, "") }

// GetExportDir returns where finished run directories are copied.
func (c *SweepConfig) GetExportDir() string { return stringOr(c.ExportDir, "") }

// GetLogLevel returns the log level, "ops" by default.
func (c *SweepConfig) GetLogLevel() string { return strings.ToLower(stringOr(c.LogLevel, "ops")) }

// WorkerConfig builds the supervisor settings. Clock, filesystem and
// launcher are left for the caller.
func (c *SweepConfig) WorkerConfig() (worker.Config, error) {
	ids, err := worker.NewRunIDSource(c.GetRunIDSource())
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Binary:        c.GetBinary(),
		ResourcesDir:  c.GetResourcesDir(),
		Interpreter:   c.GetInterpreter(),
		InputStyle:    c.GetInputStyle(),
		OutputStyle:   c.GetOutputStyle(),
		GracePeriod:   c.GetGracePeriod(),
		KillWait:      c.GetKillWait(),
		ParserTimeout: c.GetParserTimeout(),
		Parsers:       c.OutputParsers,
		RunIDs:        ids,
	}, nil
}

// RunSpec builds the per-run settings for a sweep.
func (c *SweepConfig) RunSpec() sweep.RunSpec {
	return sweep.RunSpec{
		TempRoot:   c.GetTempRoot(),
		StepSize:   c.GetStepSize(),
		Iterations: c.GetIterations(),
		TimeLimit:  c.GetTimeLimit(),
	}
}

// StringPtr returns &v.
func StringPtr(v string) *string { return &v }

// IntPtr returns &v.
func IntPtr(v int) *int { return &v }

// Override applies non-zero values on top of c, for CLI flags.
func (c *SweepConfig) Override(o SweepConfig) {
	if o.Binary != nil {
		c.Binary = o.Binary
	}
	if o.ResourcesDir != nil {
		c.ResourcesDir = o.ResourcesDir
	}
	if o.InputStyle != nil {
		c.InputStyle = o.InputStyle
	}
	if o.OutputStyle != nil {
		c.OutputStyle = o.OutputStyle
	}
	if o.Interpreter != nil {
		c.Interpreter = o.Interpreter
	}
	if len(o.OutputParsers) > 0 {
		c.OutputParsers = o.OutputParsers
	}
	if o.TempRoot != nil {
		c.TempRoot = o.TempRoot
	}
	if o.StepSize != nil {
		c.StepSize = o.StepSize
	}
	if o.Iterations != nil {
		c.Iterations = o.Iterations
	}
	if o.TimeLimit != nil {
		c.TimeLimit = o.TimeLimit
	}
	if o.RunIDSource != nil {
		c.RunIDSource = o.RunIDSource
	}
	if o.PollInterval != nil {
		c.PollInterval = o.PollInterval
	}
	if o.GracePeriod != nil {
		c.GracePeriod = o.GracePeriod
	}
	if o.KillWait != nil {
		c.KillWait = o.KillWait
	}
	if o.ParserTimeout != nil {
		c.ParserTimeout = o.ParserTimeout
	}
	if o.Mode != nil {
		c.Mode = o.Mode
	}
	if o.ScanFile != nil {
		c.ScanFile = o.ScanFile
	}
	if len(o.Ranges) > 0 {
		c.Ranges = o.Ranges
	}
	if o.LedgerPath != nil {
		c.LedgerPath = o.LedgerPath
	}
	if o.ExportDir != nil {
		c.ExportDir = o.ExportDir
	}
	if o.LogLevel != nil {
		c.LogLevel = o.LogLevel
	}
}
