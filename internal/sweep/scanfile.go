package sweep

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/banshee-data/morphosweep/internal/params"
)

// DefaultScanFile is the scan list name looked up next to a model.
const DefaultScanFile = "job_parameters.txt"

// ScanList is a parsed scan range file. Model, ViewMode and Orientations
// are passed through to exporters untouched.
type ScanList struct {
	Model        string
	ViewMode     int
	Orientations []string
	Ranges       []RangeSpec
}

// viewModeAliases maps accepted viewmode spellings to their mode number.
var viewModeAliases = map[string]int{
	"bw": 1, "1": 1, "differentiation": 1,
	"2": 2, "activator": 2,
	"3": 3, "inhibitor": 3,
	"4": 4, "fgf": 4,
}

// ParseViewMode maps a viewmode value to its number; unknown values are 0.
func ParseViewMode(s string) int {
	return viewModeAliases[strings.ToLower(strings.TrimSpace(s))]
}

// ParseScanFile reads name==min:step:max lines. A repeated name replaces
// the earlier range.
func ParseScanFile(r io.Reader) (*ScanList, error) {
	list := &ScanList{}
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, params.Separator)
		if !ok {
			return nil, fmt.Errorf("line %d: missing %q in %q", lineNo, params.Separator, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		switch strings.ToLower(name) {
		case params.KeyModel:
			list.Model = value
		case params.KeyViewMode:
			list.ViewMode = ParseViewMode(value)
		case "orientation":
			for _, o := range strings.Split(value, ",") {
				o = strings.TrimSpace(o)
				if o == "" || seen["orientation:"+o] {
					continue
				}
				seen["orientation:"+o] = true
				list.Orientations = append(list.Orientations, o)
			}
		default:
			rs, err := ParseRangeSpec(name, value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if err := rs.Validate(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			list.addRange(rs)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading scan file: %w", err)
	}
	return list, nil
}

func (l *ScanList) addRange(r RangeSpec) {
	for i := range l.Ranges {
		if l.Ranges[i].Name == r.Name {
			l.Ranges[i] = r
			return
		}
	}
	l.Ranges = append(l.Ranges, r)
}

// LoadScanFile parses the scan file at path.
func LoadScanFile(path string) (*ScanList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan file: %w", err)
	}
	defer f.Close()
	list, err := ParseScanFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}
