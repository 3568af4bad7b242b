// Package grib provides GRIB2 field metadata, wgrib2-style index parsing,
// variable selection, and the decode boundary used by the retrieval engine.
package grib

import (
	"regexp"
	"strconv"
	"time"
)

// Field describes one decodable GRIB2 message within a file.
type Field struct {
	Record  int       // 1-based message number
	Sub     int       // sub-field number for multi-parameter messages (1 when absent)
	Offset  int64     // byte offset of the message within the file
	Extent  int64     // message size in bytes; 0 when the file size was unknown
	RefTime time.Time // reference (cycle) time from the d= field
	Lead    int       // lead hours parsed from the forecast descriptor
	Name    string    // short parameter name, e.g. "ICEC"
	Level   string    // layer descriptor, e.g. "surface"
	Type    string    // raw forecast descriptor, e.g. "6 hour fcst"
}

// ValidTime returns the time this field is valid for.
func (f Field) ValidTime() time.Time {
	return f.RefTime.Add(time.Duration(f.Lead) * time.Hour)
}

// line returns the colon-delimited descriptor matched by selectors.
func (f Field) line() string {
	return ":" + f.Name + ":" + f.Level + ":"
}

// FieldTable is the set of fields available in one GRIB2 file.
type FieldTable []Field

// Names returns the distinct short names in table order.
func (t FieldTable) Names() []string {
	seen := make(map[string]bool, len(t))
	var names []string
	for _, f := range t {
		if !seen[f.Name] {
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}
	return names
}

var leadRe = regexp.MustCompile(`^(?:\d+-)?(\d+) (hour|hr) `)

// ParseLead extracts the valid lead hour from a forecast descriptor such as
// "anl", "6 hour fcst" or "0-1 hour ave fcst". For windowed descriptors the
// window end is the valid lead. The second return is false when the
// descriptor carries no recognizable lead.
func ParseLead(desc string) (int, bool) {
	if desc == "anl" {
		return 0, true
	}
	m := leadRe.FindStringSubmatch(desc)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
