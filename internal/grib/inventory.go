package grib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedIndex is returned when an index stream cannot be parsed.
var ErrMalformedIndex = errors.New("malformed grib index")

// ParseIndex parses a wgrib2-style "short" inventory: one colon-delimited
// line per message of the form
//
//	record[.sub]:offset:d=YYYYMMDDHH:NAME:LEVEL:TYPE[:...]
//
// totalSize is the byte length of the indexed GRIB file and is used to
// compute the extent of the final message; pass 0 when unknown and the last
// extent is left at 0 (callers then fetch offset to end of file).
//
// Sub-fields of multi-parameter messages (wind vectors write "4.1" and
// "4.2") become separate Field entries sharing the message's byte range.
func ParseIndex(r io.Reader, totalSize int64) (FieldTable, error) {
	var table FieldTable

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		f, err := parseIndexLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedIndex, lineNo, err)
		}
		table = append(table, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	fillExtents(table, totalSize)
	return table, nil
}

func parseIndexLine(line string) (Field, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 6 {
		return Field{}, fmt.Errorf("want at least 6 fields, got %d", len(fields))
	}

	ids := strings.SplitN(fields[0], ".", 2)
	record, err := strconv.Atoi(ids[0])
	if err != nil {
		return Field{}, fmt.Errorf("record number %q: %v", fields[0], err)
	}
	sub := 1
	if len(ids) == 2 {
		if sub, err = strconv.Atoi(ids[1]); err != nil {
			return Field{}, fmt.Errorf("sub-record number %q: %v", fields[0], err)
		}
	}

	offset, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Field{}, fmt.Errorf("offset %q: %v", fields[1], err)
	}

	ref, err := parseRefTime(fields[2])
	if err != nil {
		return Field{}, err
	}

	lead, _ := ParseLead(fields[5])

	return Field{
		Record:  record,
		Sub:     sub,
		Offset:  offset,
		RefTime: ref,
		Lead:    lead,
		Name:    fields[3],
		Level:   fields[4],
		Type:    fields[5],
	}, nil
}

// parseRefTime parses the d=YYYYMMDDHH reference time field.
func parseRefTime(s string) (time.Time, error) {
	raw, ok := strings.CutPrefix(s, "d=")
	if !ok {
		return time.Time{}, fmt.Errorf("reference time %q missing d= prefix", s)
	}
	t, err := time.ParseInLocation("2006010215", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("reference time %q: %v", s, err)
	}
	return t, nil
}

// fillExtents computes each field's byte extent from the offset of the next
// message. Sub-fields share their message's offset, so the extent is the gap
// to the next distinct offset.
func fillExtents(table FieldTable, totalSize int64) {
	for i := range table {
		next := int64(0)
		for j := i + 1; j < len(table); j++ {
			if table[j].Offset > table[i].Offset {
				next = table[j].Offset
				break
			}
		}
		switch {
		case next > 0:
			table[i].Extent = next - table[i].Offset
		case totalSize > 0:
			table[i].Extent = totalSize - table[i].Offset
		}
	}
}
