package sweep

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanner_QueueConsumedOnce(t *testing.T) {
	p := NewPlanner(baseSet(t), Combinatorial)
	for _, r := range scenarioRanges() {
		require.NoError(t, p.AddRange(r))
	}
	assert.Equal(t, 6, plannerCount(t, p))

	n, err := p.Populate(nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	var ids []string
	for {
		j, ok := p.NextJob()
		if !ok {
			break
		}
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"0 0", "1 0", "2 0", "0 1", "1 1", "2 1"}, ids)
	assert.Equal(t, 6, p.Cursor())

	_, ok := p.NextJob()
	assert.False(t, ok)

	j, ok := p.JobAt(3)
	require.True(t, ok)
	assert.Equal(t, "0 1", j.ID)
}

func TestPlanner_AddRangeReplaces(t *testing.T) {
	p := NewPlanner(nil, Linear)
	require.NoError(t, p.AddRange(RangeSpec{Name: "a", Min: 0, Step: 1, Max: 1}))
	require.NoError(t, p.AddRange(RangeSpec{Name: "b", Min: 0, Step: 1, Max: 1}))
	require.NoError(t, p.AddRange(RangeSpec{Name: "a", Min: 0, Step: 1, Max: 4}))

	ranges := p.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "a", ranges[0].Name)
	assert.Equal(t, 4.0, ranges[0].Max)
	assert.Equal(t, 7, plannerCount(t, p))

	assert.True(t, p.RemoveRange("a"))
	assert.False(t, p.RemoveRange("a"))
	assert.Equal(t, 2, plannerCount(t, p))

	assert.Error(t, p.AddRange(RangeSpec{Name: "iter", Min: 0, Step: 1, Max: 1}))
}

func TestPlanner_ResetIdempotent(t *testing.T) {
	p := NewPlanner(nil, Linear)
	require.NoError(t, p.AddRange(RangeSpec{Name: "a", Min: 0, Step: 1, Max: 2}))
	_, err := p.Populate(nil)
	require.NoError(t, err)
	p.NextJob()

	p.Reset()
	p.Reset()
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 0, p.Cursor())
	assert.Len(t, p.Ranges(), 1)

	p.SetMode(Combinatorial)
	assert.Equal(t, Combinatorial, p.Mode())
	p.Clear()
	assert.Equal(t, 0, plannerCount(t, p))
	n, err := p.Populate(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func plannerCount(t *testing.T, p *Planner) int {
	t.Helper()
	n, err := p.Count()
	require.NoError(t, err)
	return n
}

func TestPlanner_RejectsOversizedSweep(t *testing.T) {
	p := NewPlanner(nil, Combinatorial)
	for _, r := range wideRanges(4, 65535) {
		require.NoError(t, p.AddRange(r))
	}
	_, err := p.Count()
	assert.ErrorIs(t, err, ErrTooManyJobs)

	_, err = p.Populate(nil)
	assert.ErrorIs(t, err, ErrTooManyJobs)
	assert.Equal(t, 0, p.QueueLen())
}

func TestParseScanFile(t *testing.T) {
	input := `# scan list
model==tooth
viewmode==Activator
orientation==top, side,top
Bud==0:0.5:1
Act==1:1:3
bud==5:1:5
Bud==0:1:2
`
	list, err := ParseScanFile(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "tooth", list.Model)
	assert.Equal(t, 2, list.ViewMode)
	assert.Equal(t, []string{"top", "side"}, list.Orientations)
	require.Len(t, list.Ranges, 3)
	assert.Equal(t, RangeSpec{Name: "Bud", Min: 0, Step: 1, Max: 2}, list.Ranges[0])
	assert.Equal(t, "Act", list.Ranges[1].Name)
	assert.Equal(t, "bud", list.Ranges[2].Name)
}

func TestParseViewMode(t *testing.T) {
	tests := map[string]int{
		"BW": 1, "differentiation": 1, "1": 1,
		"2": 2, "ACTIVATOR": 2,
		"inhibitor": 3, "fgf": 4, "4": 4,
		"": 0, "surface": 0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseViewMode(in), "input %q", in)
	}
}

func TestParseScanFile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "Bud 0:1:2\n"},
		{"two fields", "Bud==0:1\n"},
		{"bad number", "Bud==0:x:2\n"},
		{"reserved range", "iter==0:1:2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScanFile(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestLoadScanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultScanFile)
	require.NoError(t, os.WriteFile(path, []byte("a==0:1:2\n"), 0644))

	list, err := LoadScanFile(path)
	require.NoError(t, err)
	assert.Len(t, list.Ranges, 1)

	_, err = LoadScanFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
