package monitoring

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called)

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger must not reach the previous one")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelOps},
		{"ops", LevelOps},
		{"DIAG", LevelDiag},
		{" trace ", LevelTrace},
		{"off", LevelOff},
		{"none", LevelOff},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("debug")
	assert.Error(t, err)
	assert.Equal(t, "diag", LevelDiag.String())
}

func TestResolveLevel_EnvWins(t *testing.T) {
	t.Setenv(EnvLogLevel, "trace")
	lvl, err := ResolveLevel("off")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	t.Setenv(EnvLogLevel, "")
	lvl, err = ResolveLevel("diag")
	require.NoError(t, err)
	assert.Equal(t, LevelDiag, lvl)
}

func TestApply(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got [3]io.Writer
	sink := func(ops, diag, trace io.Writer) { got = [3]io.Writer{ops, diag, trace} }
	var buf bytes.Buffer

	Apply(LevelDiag, &buf, sink)
	assert.Equal(t, io.Writer(&buf), got[0])
	assert.Equal(t, io.Writer(&buf), got[1])
	assert.Nil(t, got[2])

	Logf("sweep %d stopped", 3)
	assert.Contains(t, buf.String(), "sweep 3 stopped")

	buf.Reset()
	Apply(LevelOff, &buf, sink)
	assert.Equal(t, [3]io.Writer{}, got)
	Logf("hidden")
	assert.Empty(t, buf.String())
}
