package grib

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// SidecarPath returns the conventional sidecar index path for a GRIB2 file.
func SidecarPath(path string) string {
	return path + ".idx"
}

// WGrib2 decodes GRIB2 files by shelling out to the wgrib2 binary. The
// binary is looked up in the system path on each invocation.
type WGrib2 struct {
	Command string
}

// NewWGrib2 returns a Decoder backed by the wgrib2 binary.
func NewWGrib2() *WGrib2 {
	return &WGrib2{Command: "wgrib2"}
}

// Inventory returns the FieldTable for a local GRIB2 file. A sidecar .idx
// file written alongside the download is preferred; otherwise the inventory
// is generated with `wgrib2 -s`.
func (w *WGrib2) Inventory(ctx context.Context, path string) (FieldTable, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDecode, path, err)
	}

	if idx, err := os.Open(SidecarPath(path)); err == nil {
		defer idx.Close()
		table, err := ParseIndex(idx, fi.Size())
		if err != nil {
			return nil, fmt.Errorf("sidecar index %s: %w", SidecarPath(path), err)
		}
		return table, nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.Command, "-s", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: wgrib2 -s %s: %v: %s", ErrDecode, path, err, stderr.String())
	}

	table, err := ParseIndex(&stdout, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("wgrib2 inventory of %s: %w", path, err)
	}
	return table, nil
}

// Decode extracts the given fields as regular lat/lon grids using wgrib2's
// CSV emission. Grid axes are sorted ascending and values reindexed to match.
func (w *WGrib2) Decode(ctx context.Context, path string, fields []Field) ([]Grid, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	tmp, err := os.CreateTemp("", "wgrib2-*.csv")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.Command, path, "-match", recordMatch(fields), "-csv", tmpPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: wgrib2 -csv %s: %v: %s", ErrDecode, path, err, stderr.String())
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	points, err := parseCSVPoints(f)
	if err != nil {
		return nil, fmt.Errorf("wgrib2 csv for %s: %w", path, err)
	}
	return buildGrids(fields, points)
}

// recordMatch builds the wgrib2 -match expression selecting the fields'
// message numbers, e.g. "^(1|4|12):".
func recordMatch(fields []Field) string {
	seen := make(map[int]bool, len(fields))
	var nums []string
	for _, f := range fields {
		if !seen[f.Record] {
			seen[f.Record] = true
			nums = append(nums, strconv.Itoa(f.Record))
		}
	}
	return "^(" + strings.Join(nums, "|") + "):"
}

// point is one (lon, lat, value) sample attributed to a name:level pair.
type point struct {
	lon, lat, val float64
}

// parseCSVPoints reads wgrib2 CSV rows of the form
//
//	"time0","time1","NAME","LEVEL",lon,lat,value
//
// and groups the samples by "NAME:LEVEL".
func parseCSVPoints(r io.Reader) (map[string][]point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 7

	points := make(map[string][]point)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}

		lon, err1 := strconv.ParseFloat(rec[4], 64)
		lat, err2 := strconv.ParseFloat(rec[5], 64)
		val, err3 := strconv.ParseFloat(rec[6], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%w: non-numeric csv row %q", ErrDecode, strings.Join(rec, ","))
		}

		key := rec[2] + ":" + rec[3]
		points[key] = append(points[key], point{lon: lon, lat: lat, val: val})
	}
	return points, nil
}

// buildGrids assembles one Grid per requested field from grouped samples.
func buildGrids(fields []Field, points map[string][]point) ([]Grid, error) {
	grids := make([]Grid, 0, len(fields))
	for _, f := range fields {
		pts := points[f.Name+":"+f.Level]
		if len(pts) == 0 {
			return nil, fmt.Errorf("%w: no data for %s:%s", ErrDecode, f.Name, f.Level)
		}

		g, err := gridFromPoints(f, pts)
		if err != nil {
			return nil, err
		}
		grids = append(grids, g)
	}
	return grids, nil
}

// gridFromPoints reindexes scattered samples onto ascending lat/lon axes.
func gridFromPoints(f Field, pts []point) (Grid, error) {
	latSet := make(map[float64]bool)
	lonSet := make(map[float64]bool)
	vals := make(map[[2]float64]float64, len(pts))
	for _, p := range pts {
		latSet[p.lat] = true
		lonSet[p.lon] = true
		vals[[2]float64{p.lat, p.lon}] = p.val
	}

	lats := sortedKeys(latSet)
	lons := sortedKeys(lonSet)
	if len(lats)*len(lons) != len(vals) {
		return Grid{}, fmt.Errorf("%w: %s:%s is not a regular grid (%d lats x %d lons, %d samples)",
			ErrDecode, f.Name, f.Level, len(lats), len(lons), len(vals))
	}

	values := make([]float64, 0, len(vals))
	for _, lat := range lats {
		for _, lon := range lons {
			values = append(values, vals[[2]float64{lat, lon}])
		}
	}

	return Grid{Field: f, Lats: lats, Lons: lons, Values: values}, nil
}

func sortedKeys(set map[float64]bool) []float64 {
	keys := make([]float64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}
