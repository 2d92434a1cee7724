package worker

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// InputStyle selects the worker's argument layout.
type InputStyle string

const (
	// InputMorphoMaker: --param <file> --id <id> --step <n> --niter <n>.
	InputMorphoMaker InputStyle = "MorphoMaker"
	// InputHumppa: <file> <id> <step> <niter/step>.
	InputHumppa InputStyle = "Humppa"
)

// ParseInputStyle normalises s; empty selects MorphoMaker.
func ParseInputStyle(s string) (InputStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "morphomaker":
		return InputMorphoMaker, nil
	case "humppa":
		return InputHumppa, nil
	default:
		return "", fmt.Errorf("unknown input style %q", s)
	}
}

// Args builds the worker arguments for one run.
func (s InputStyle) Args(paramFile, runID string, stepSize, iterations int) []string {
	switch s {
	case InputHumppa:
		return []string{paramFile, runID, strconv.Itoa(stepSize), strconv.Itoa(iterations / stepSize)}
	default:
		return []string{
			"--param", paramFile,
			"--id", runID,
			"--step", strconv.Itoa(stepSize),
			"--niter", strconv.Itoa(iterations),
		}
	}
}

// OutputStyle selects the extension of the worker's step files.
type OutputStyle string

const (
	OutputPLY    OutputStyle = "PLY"
	OutputMatrix OutputStyle = "Matrix"
	OutputHumppa OutputStyle = "Humppa"
)

// ParseOutputStyle normalises s; empty selects PLY.
func ParseOutputStyle(s string) (OutputStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ply":
		return OutputPLY, nil
	case "matrix":
		return OutputMatrix, nil
	case "humppa":
		return OutputHumppa, nil
	default:
		return "", fmt.Errorf("unknown output style %q", s)
	}
}

// Ext returns the step file extension, dot included.
func (s OutputStyle) Ext() string {
	switch s {
	case OutputMatrix:
		return ".txt"
	case OutputHumppa:
		return ".off"
	default:
		return ".ply"
	}
}

// ArtifactPattern is the base-name pattern of the step file written at
// iteration. It is matched against names inside the run directory.
func ArtifactPattern(iteration int, runID string, style OutputStyle) string {
	return fmt.Sprintf("%d*%s*%s", iteration, runID, style.Ext())
}

// pickArtifact chooses among glob matches: the exact <iter>_<id><ext> name
// first, otherwise the first name whose iteration prefix is not followed by
// another digit (so iteration 10 never claims 100_<id>).
func pickArtifact(matches []string, iteration int, runID string, style OutputStyle) (string, bool) {
	prefix := strconv.Itoa(iteration)
	exact := prefix + "_" + runID + style.Ext()
	for _, m := range matches {
		if filepath.Base(m) == exact {
			return m, true
		}
	}
	for _, m := range matches {
		rest := strings.TrimPrefix(filepath.Base(m), prefix)
		if rest == "" || rest[0] < '0' || rest[0] > '9' {
			return m, true
		}
	}
	return "", false
}

// DefaultInterpreter runs .py models.
const DefaultInterpreter = "python"

// command resolves how to execute program: scripts ending in .py run under
// interpreter.
func command(program, interpreter string, args []string) (string, []string) {
	if strings.HasSuffix(strings.ToLower(program), ".py") {
		if interpreter == "" {
			interpreter = DefaultInterpreter
		}
		return interpreter, append([]string{program}, args...)
	}
	return program, args
}
