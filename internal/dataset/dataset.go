// Package dataset merges decoded GRIB grids into one time-ordered,
// variable-renamed dataset.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/oceanum/nwp-fetch/internal/grib"
)

// Default dimension names before any renaming is applied.
const (
	DefaultTimeDim = "time"
	DefaultLatDim  = "lat"
	DefaultLonDim  = "lon"
)

// Dataset is the merged retrieval result: named variables on shared
// time, latitude and longitude axes. Values are stored time-major, so
// the value of a variable at (t, y, x) lives at index (t*ny+y)*nx+x.
type Dataset struct {
	TimeDim string
	LatDim  string
	LonDim  string

	Times []time.Time
	Lats  []float64
	Lons  []float64
	Vars  map[string][]float64
}

// Shape returns the axis lengths (time, lat, lon).
func (d *Dataset) Shape() (nt, ny, nx int) {
	return len(d.Times), len(d.Lats), len(d.Lons)
}

// Len returns the number of timesteps.
func (d *Dataset) Len() int { return len(d.Times) }

// Names returns the variable names in sorted order.
func (d *Dataset) Names() []string {
	names := make([]string, 0, len(d.Vars))
	for name := range d.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns one sample of a variable. Missing variables and
// out-of-range indexes return NaN.
func (d *Dataset) Value(name string, t, y, x int) float64 {
	values, ok := d.Vars[name]
	if !ok {
		return math.NaN()
	}
	_, ny, nx := d.Shape()
	if t < 0 || y < 0 || x < 0 || y >= ny || x >= nx {
		return math.NaN()
	}
	i := (t*ny+y)*nx + x
	if i >= len(values) {
		return math.NaN()
	}
	return values[i]
}

// Slice is the contribution of one fetch unit: the variables decoded
// from one file, all valid at one timestamp.
type Slice struct {
	Time  time.Time
	Cycle time.Time
	Lats  []float64
	Lons  []float64
	Vars  map[string][]float64
}

// FromGrids builds a unit's Slice from its decoded grids. All grids must
// share axes and valid time. Fields whose short name repeats across
// levels are qualified with the level so no grid is silently dropped.
func FromGrids(grids []grib.Grid) (Slice, error) {
	if len(grids) == 0 {
		return Slice{}, fmt.Errorf("no grids to assemble")
	}

	first := grids[0]
	s := Slice{
		Time:  first.Field.ValidTime(),
		Cycle: first.Field.RefTime,
		Lats:  first.Lats,
		Lons:  first.Lons,
		Vars:  make(map[string][]float64, len(grids)),
	}

	for _, g := range grids {
		if !equalAxes(g.Lats, s.Lats) || !equalAxes(g.Lons, s.Lons) {
			return Slice{}, fmt.Errorf("field %s: grid does not match %s", g.Field.Name, first.Field.Name)
		}
		if !g.Field.ValidTime().Equal(s.Time) {
			return Slice{}, fmt.Errorf("field %s: valid time %s does not match %s",
				g.Field.Name, g.Field.ValidTime(), s.Time)
		}
		name := g.Field.Name
		if _, taken := s.Vars[name]; taken {
			name = name + "_" + strings.ReplaceAll(g.Field.Level, " ", "_")
			if _, taken := s.Vars[name]; taken {
				return Slice{}, fmt.Errorf("duplicate field %s at level %s", g.Field.Name, g.Field.Level)
			}
		}
		s.Vars[name] = g.Values
	}
	return s, nil
}

func equalAxes(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
