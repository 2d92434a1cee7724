package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	safe := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(safe, "data"), 0755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing subdir", filepath.Join(safe, "data"), false},
		{"new file", filepath.Join(safe, "data", "0_1.ply"), false},
		{"new nested", filepath.Join(safe, "a", "b", "c"), false},
		{"safe dir itself", safe, false},
		{"dot dot escape", filepath.Join(safe, "data", "..", "..", "etc"), true},
		{"absolute elsewhere", filepath.Join(filepath.Dir(safe), "other"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	safe := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(safe, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "new.txt"), safe))
	assert.Error(t, ValidatePathWithinDirectory(link, safe))
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"toply", "1_X_0", "model.py"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		assert.Error(t, ValidateName(bad), bad)
	}
}
