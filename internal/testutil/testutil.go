// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/banshee-data/morphosweep/internal/fsutil"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WriteFile creates dir (and parents) on fsys and writes name inside it.
func WriteFile(t *testing.T, fsys fsutil.FileSystem, dir, name string, data []byte) string {
	t.Helper()
	AssertNoError(t, fsys.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	AssertNoError(t, fsys.WriteFile(path, data, 0755))
	return path
}

// WriteStep writes the step file a model would produce for iteration.
func WriteStep(t *testing.T, fsys fsutil.FileSystem, runDir string, iteration int, runID, ext string, data []byte) string {
	t.Helper()
	return WriteFile(t, fsys, runDir, fmt.Sprintf("%d_%s%s", iteration, runID, ext), data)
}
