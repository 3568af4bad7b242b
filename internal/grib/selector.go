package grib

import (
	"errors"
	"strings"
)

// ErrEmptyPattern is returned when a selector is built from an empty pattern.
var ErrEmptyPattern = errors.New("empty variable pattern")

// Selector filters a FieldTable down to the fields a retrieval asked for.
//
// Matching is case-sensitive and exact-name-first: when the pattern equals a
// field's short name, only exact-name matches are selected, so a name that is
// a prefix of another ("TMP" vs "TMPmax") never over-selects. Otherwise the
// pattern is matched as a substring of the ":NAME:LEVEL:" descriptor, which
// admits shorthands like "ICEC", "TMP:2 m above ground" or ":surface:".
type Selector struct {
	pattern string
}

// NewSelector compiles a pattern into a Selector.
func NewSelector(pattern string) (*Selector, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	return &Selector{pattern: pattern}, nil
}

// Pattern returns the pattern the selector was built from.
func (s *Selector) Pattern() string {
	return s.pattern
}

// Select returns the fields of table matched by the pattern, in table order.
// An empty result is not an error at this level; whether zero matches across
// a whole retrieval is fatal is the caller's decision.
func (s *Selector) Select(table FieldTable) []Field {
	var exact []Field
	for _, f := range table {
		if f.Name == s.pattern {
			exact = append(exact, f)
		}
	}
	if len(exact) > 0 {
		return exact
	}

	var matched []Field
	for _, f := range table {
		if strings.Contains(f.line(), s.pattern) {
			matched = append(matched, f)
		}
	}
	return matched
}
