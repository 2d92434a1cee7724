// Package params holds model parameter sets and their on-disk text format.
package params

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved string keys. They live beside the numeric parameters in a
// parameter file but are never swept.
const (
	KeyModel      = "model"
	KeyViewThresh = "viewthresh"
	KeyViewMode   = "viewmode"
	KeyIter       = "iter"
)

var reservedKeys = []string{KeyModel, KeyViewThresh, KeyViewMode, KeyIter}

// ErrReservedName is returned when a numeric parameter would shadow a
// reserved key.
var ErrReservedName = errors.New("parameter name is reserved")

// IsReserved reports whether name matches a reserved key, ignoring case.
func IsReserved(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, k := range reservedKeys {
		if lower == k {
			return true
		}
	}
	return false
}

// Set is an ordered mapping of parameter name to value plus the reserved
// string keys. Names are case-sensitive and unique; insertion order is kept
// so files round-trip deterministically.
type Set struct {
	names  []string
	values map[string]float64
	keys   map[string]string
	id     string
	baseID string
}

// New returns an empty parameter set.
func New() *Set {
	return &Set{
		values: make(map[string]float64),
		keys:   make(map[string]string),
	}
}

// Set assigns value to name, appending name if it is new.
func (s *Set) Set(name string, value float64) error {
	if name == "" {
		return fmt.Errorf("empty parameter name")
	}
	if IsReserved(name) {
		return fmt.Errorf("%q: %w", name, ErrReservedName)
	}
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = value
	return nil
}

// Get returns the value of name and whether it is present.
func (s *Set) Get(name string) (float64, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name is a parameter of the set.
func (s *Set) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Names returns parameter names in insertion order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of numeric parameters.
func (s *Set) Len() int { return len(s.names) }

// SetKey assigns a reserved key. key is matched case-insensitively.
func (s *Set) SetKey(key, value string) error {
	lower := strings.ToLower(strings.TrimSpace(key))
	if !IsReserved(lower) {
		return fmt.Errorf("%q is not a reserved key", key)
	}
	s.keys[lower] = value
	return nil
}

// Key returns a reserved key value, or "" when unset.
func (s *Set) Key(key string) string {
	return s.keys[strings.ToLower(key)]
}

// ID is the Job ID the set was generated for, empty for a base set.
func (s *Set) ID() string { return s.id }

// BaseID identifies the set this one was cloned from.
func (s *Set) BaseID() string { return s.baseID }

// Clone returns a deep copy. The copy records the receiver's ID as its
// base identity.
func (s *Set) Clone() *Set {
	c := &Set{
		names:  make([]string, len(s.names)),
		values: make(map[string]float64, len(s.values)),
		keys:   make(map[string]string, len(s.keys)),
		id:     s.id,
		baseID: s.id,
	}
	copy(c.names, s.names)
	for k, v := range s.values {
		c.values[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

// WithID returns a clone tagged with id.
func (s *Set) WithID(id string) *Set {
	c := s.Clone()
	c.id = id
	return c
}

// Equal reports whether two sets hold the same parameters, values and
// reserved keys in the same order. Identity is not compared.
func (s *Set) Equal(o *Set) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.names) != len(o.names) || len(s.keys) != len(o.keys) {
		return false
	}
	for i, n := range s.names {
		if o.names[i] != n || o.values[n] != s.values[n] {
			return false
		}
	}
	for k, v := range s.keys {
		if o.keys[k] != v {
			return false
		}
	}
	return true
}
