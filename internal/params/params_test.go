package params

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_InsertionOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 3))

	assert.Equal(t, []string{"b", "a"}, s.Names())
	v, ok := s.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)
	assert.Equal(t, 2, s.Len())
}

func TestSet_ReservedNamesRejected(t *testing.T) {
	s := New()
	for _, name := range []string{"model", "ViewMode", "ITER", " viewthresh "} {
		err := s.Set(name, 1)
		assert.True(t, errors.Is(err, ErrReservedName), "name %q", name)
	}
	assert.Equal(t, 0, s.Len())
}

func TestSet_CloneIsDeep(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.SetKey("Model", "tooth"))

	c := s.WithID("0 X")
	require.NoError(t, c.Set("a", 5))
	require.NoError(t, c.Set("extra", 9))

	v, _ := s.Get("a")
	assert.Equal(t, 1.0, v)
	assert.False(t, s.Has("extra"))
	assert.Equal(t, "tooth", c.Key("model"))
	assert.Equal(t, "0 X", c.ID())
	assert.Equal(t, "", s.ID())

	cc := c.Clone()
	assert.Equal(t, "0 X", cc.BaseID())
	assert.True(t, cc.Equal(c))
	assert.False(t, cc.Equal(s))
}

func TestDecode(t *testing.T) {
	input := `# comment
model==tooth

Alpha==0.5
beta == 2e-3
VIEWMODE==1
`
	s := New()
	require.NoError(t, Decode(strings.NewReader(input), s))

	assert.Equal(t, []string{"Alpha", "beta"}, s.Names())
	assert.Equal(t, "tooth", s.Key(KeyModel))
	assert.Equal(t, "1", s.Key(KeyViewMode))
	v, _ := s.Get("beta")
	assert.InDelta(t, 0.002, v, 1e-12)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing separator", "alpha 1\n", "line 1"},
		{"bad float", "# x\nalpha==abc\n", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(strings.NewReader(tt.input), New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEncodeDecodeFile(t *testing.T) {
	s := New()
	require.NoError(t, s.SetKey(KeyIter, "500"))
	require.NoError(t, s.Set("k1", 0.1))
	require.NoError(t, s.Set("k0", 1234.5))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))
	assert.Equal(t, "iter==500\nk1==0.1\nk0==1234.5\n", buf.String())

	path := filepath.Join(t.TempDir(), "mpar.txt")
	require.NoError(t, Save(path, s))
	got, err := Load(path)
	require.NoError(t, err)
	assert.True(t, got.Equal(s))
}
