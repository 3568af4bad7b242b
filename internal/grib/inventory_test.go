package grib

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const hrrrIndex = `1:0:d=2023112200:REFC:entire atmosphere:6 hour fcst:
2:375155:d=2023112200:RETOP:cloud top:6 hour fcst:
3:628458:d=2023112200:ICEC:surface:6 hour fcst:
4.1:801470:d=2023112200:UGRD:10 m above ground:6 hour fcst:
4.2:801470:d=2023112200:VGRD:10 m above ground:6 hour fcst:
5:1203992:d=2023112200:TMP:2 m above ground:6 hour fcst:
`

func TestParseIndex(t *testing.T) {
	table, err := ParseIndex(strings.NewReader(hrrrIndex), 1500000)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}

	if len(table) != 6 {
		t.Fatalf("got %d fields, want 6", len(table))
	}

	wantRef := time.Date(2023, 11, 22, 0, 0, 0, 0, time.UTC)
	for _, f := range table {
		if !f.RefTime.Equal(wantRef) {
			t.Errorf("field %d ref time = %v, want %v", f.Record, f.RefTime, wantRef)
		}
		if f.Lead != 6 {
			t.Errorf("field %d lead = %d, want 6", f.Record, f.Lead)
		}
	}

	wantValid := wantRef.Add(6 * time.Hour)
	if got := table[0].ValidTime(); !got.Equal(wantValid) {
		t.Errorf("valid time = %v, want %v", got, wantValid)
	}

	// Extents derive from the next distinct offset.
	if got := table[0].Extent; got != 375155 {
		t.Errorf("record 1 extent = %d, want 375155", got)
	}
	if got := table[2].Extent; got != 801470-628458 {
		t.Errorf("record 3 extent = %d, want %d", got, 801470-628458)
	}

	// Sub-fields share the message byte range.
	u, v := table[3], table[4]
	if u.Record != 4 || u.Sub != 1 || v.Record != 4 || v.Sub != 2 {
		t.Errorf("sub-record parsing: got %d.%d / %d.%d, want 4.1 / 4.2", u.Record, u.Sub, v.Record, v.Sub)
	}
	if u.Offset != v.Offset || u.Extent != v.Extent {
		t.Errorf("sub-fields differ in byte range: %d+%d vs %d+%d", u.Offset, u.Extent, v.Offset, v.Extent)
	}
	if want := int64(1203992 - 801470); u.Extent != want {
		t.Errorf("record 4 extent = %d, want %d", u.Extent, want)
	}

	// The final message runs to end of file.
	if got, want := table[5].Extent, int64(1500000-1203992); got != want {
		t.Errorf("last extent = %d, want %d", got, want)
	}
}

func TestParseIndexUnknownSize(t *testing.T) {
	table, err := ParseIndex(strings.NewReader(hrrrIndex), 0)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if got := table[len(table)-1].Extent; got != 0 {
		t.Errorf("last extent without total size = %d, want 0", got)
	}
	if got := table[0].Extent; got != 375155 {
		t.Errorf("first extent = %d, want 375155", got)
	}
}

func TestParseIndexMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "1:0:d=2023112200:REFC"},
		{"bad record", "x:0:d=2023112200:REFC:surface:anl:"},
		{"bad offset", "1:zero:d=2023112200:REFC:surface:anl:"},
		{"bad date", "1:0:2023112200:REFC:surface:anl:"},
		{"short date", "1:0:d=20231122:REFC:surface:anl:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIndex(strings.NewReader(tt.line+"\n"), 100)
			if !errors.Is(err, ErrMalformedIndex) {
				t.Errorf("ParseIndex(%q) error = %v, want ErrMalformedIndex", tt.line, err)
			}
		})
	}
}

func TestParseIndexAnalysis(t *testing.T) {
	const line = "1:0:d=2023112212:ICEC:surface:anl:\n"
	table, err := ParseIndex(strings.NewReader(line), 0)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if table[0].Lead != 0 {
		t.Errorf("anl lead = %d, want 0", table[0].Lead)
	}
	want := time.Date(2023, 11, 22, 12, 0, 0, 0, time.UTC)
	if got := table[0].ValidTime(); !got.Equal(want) {
		t.Errorf("anl valid time = %v, want %v", got, want)
	}
}

func TestParseLead(t *testing.T) {
	tests := []struct {
		desc   string
		want   int
		wantOK bool
	}{
		{"anl", 0, true},
		{"6 hour fcst", 6, true},
		{"384 hour fcst", 384, true},
		{"0-1 hour ave fcst", 1, true},
		{"11-12 hour acc fcst", 12, true},
		{"considered as a point", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseLead(tt.desc)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLead(%q) = (%d, %v), want (%d, %v)", tt.desc, got, ok, tt.want, tt.wantOK)
		}
	}
}
