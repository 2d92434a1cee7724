package worker

import (
	"fmt"

	"github.com/banshee-data/morphosweep/internal/fsutil"
)

// StepReader turns one step file into a payload. Format decoding lives
// behind this interface.
type StepReader interface {
	ReadStep(fsys fsutil.FileSystem, path string) (any, error)
}

// StepReaderFunc adapts a function to StepReader.
type StepReaderFunc func(fsys fsutil.FileSystem, path string) (any, error)

// ReadStep calls f.
func (f StepReaderFunc) ReadStep(fsys fsutil.FileSystem, path string) (any, error) {
	return f(fsys, path)
}

// DefaultMaxStepBytes caps how much of a step file RawReader loads.
const DefaultMaxStepBytes = 256 << 20

// RawReader returns the file bytes. Empty files are treated as partial
// output.
type RawReader struct {
	MaxBytes int64
}

// ReadStep reads path.
func (r RawReader) ReadStep(fsys fsutil.FileSystem, path string) (any, error) {
	max := r.MaxBytes
	if max <= 0 {
		max = DefaultMaxStepBytes
	}
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: empty step file", path)
	}
	if info.Size() > max {
		return nil, fmt.Errorf("%s: %d bytes exceeds limit of %d", path, info.Size(), max)
	}
	return fsys.ReadFile(path)
}
