package params

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Separator splits a name from its value on every line of a parameter file.
const Separator = "=="

// Decode reads name==value lines from r into set. Blank lines and lines
// starting with '#' are ignored. Reserved keys are stored lowercase as
// strings; everything else must parse as a float.
func Decode(r io.Reader, set *Set) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, Separator)
		if !ok {
			return fmt.Errorf("line %d: missing %q in %q", lineNo, Separator, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if IsReserved(name) {
			if err := set.SetKey(name, value); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid value for %q: %w", lineNo, name, err)
		}
		if err := set.Set(name, v); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading parameters: %w", err)
	}
	return nil
}

// Encode writes set as name==value lines: reserved keys first, then
// parameters in insertion order.
func Encode(w io.Writer, set *Set) error {
	bw := bufio.NewWriter(w)
	for _, k := range reservedKeys {
		if v := set.keys[k]; v != "" {
			fmt.Fprintf(bw, "%s%s%s\n", k, Separator, v)
		}
	}
	for _, n := range set.names {
		fmt.Fprintf(bw, "%s%s%s\n", n, Separator, FormatValue(set.values[n]))
	}
	return bw.Flush()
}

// FormatValue renders v with 12 significant digits.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// Marshal is Encode into a byte slice.
func Marshal(set *Set) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, set); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads a parameter file from disk.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parameter file: %w", err)
	}
	defer f.Close()
	set := New()
	if err := Decode(f, set); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Save writes set to path, replacing any existing file.
func Save(path string, set *Set) error {
	data, err := Marshal(set)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write parameter file: %w", err)
	}
	return nil
}
