package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrNoSlices reports an assembly with nothing to merge.
var ErrNoSlices = errors.New("no slices to assemble")

// InconsistentGridError reports a slice whose spatial grid does not match
// the rest of the retrieval.
type InconsistentGridError struct {
	Timestamp time.Time
}

func (e *InconsistentGridError) Error() string {
	return fmt.Sprintf("inconsistent grid at %s", e.Timestamp.UTC().Format(time.RFC3339))
}

// DuplicatePolicy picks the surviving slice when two units produce the
// same timestamp, as consecutive nowcast cycles do at their boundaries.
type DuplicatePolicy string

const (
	// LatestCycle keeps the slice from the most recent model run.
	LatestCycle DuplicatePolicy = "latest_cycle"
	// EarliestCycle keeps the slice from the oldest model run.
	EarliestCycle DuplicatePolicy = "earliest_cycle"
)

// Options control renaming, ordering and duplicate handling.
type Options struct {
	// Rename maps source names to output names. It applies to variables
	// and to the time/lat/lon dimension names, before merging, so name
	// collisions surface as errors rather than silent overwrites.
	Rename map[string]string

	// Sorted orders the output ascending by timestamp and normalizes
	// the latitude and longitude axes to ascending order, reordering
	// grid values to match.
	Sorted bool

	// Duplicates picks the survivor for repeated timestamps.
	// Defaults to LatestCycle.
	Duplicates DuplicatePolicy
}

// Assemble merges per-unit slices into one dataset. Duplicate timestamps
// are never both retained regardless of the Sorted flag; Sorted only
// controls output ordering.
func Assemble(slices []Slice, opts Options) (*Dataset, error) {
	if len(slices) == 0 {
		return nil, ErrNoSlices
	}

	policy := opts.Duplicates
	if policy == "" {
		policy = LatestCycle
	}
	if policy != LatestCycle && policy != EarliestCycle {
		return nil, fmt.Errorf("unknown duplicate policy %q", policy)
	}

	ref := slices[0]
	ny, nx := len(ref.Lats), len(ref.Lons)
	for _, s := range slices {
		if !equalAxes(s.Lats, ref.Lats) || !equalAxes(s.Lons, ref.Lons) {
			return nil, &InconsistentGridError{Timestamp: s.Time}
		}
		for _, values := range s.Vars {
			if len(values) != ny*nx {
				return nil, &InconsistentGridError{Timestamp: s.Time}
			}
		}
	}

	// Rename before merging. sourceOf remembers which source variable
	// produced each output name so collisions are caught across slices.
	renamed := make([]map[string][]float64, len(slices))
	sourceOf := make(map[string]string)
	for i, s := range slices {
		vars := make(map[string][]float64, len(s.Vars))
		for name, values := range s.Vars {
			out := name
			if to, ok := opts.Rename[name]; ok {
				out = to
			}
			if prev, ok := sourceOf[out]; ok && prev != name {
				return nil, fmt.Errorf("rename collision: %q and %q both become %q", prev, name, out)
			}
			sourceOf[out] = name
			vars[out] = values
		}
		renamed[i] = vars
	}

	// Deduplicate by timestamp. kept holds indexes into slices.
	byTime := make(map[int64]int, len(slices))
	kept := make([]int, 0, len(slices))
	for i := range slices {
		key := slices[i].Time.UnixNano()
		if j, seen := byTime[key]; seen {
			if replaces(slices[i].Cycle, slices[kept[j]].Cycle, policy) {
				kept[j] = i
			}
			continue
		}
		byTime[key] = len(kept)
		kept = append(kept, i)
	}

	lats := append([]float64(nil), ref.Lats...)
	lons := append([]float64(nil), ref.Lons...)
	var latOrder, lonOrder []int
	if opts.Sorted {
		sort.SliceStable(kept, func(a, b int) bool {
			return slices[kept[a]].Time.Before(slices[kept[b]].Time)
		})
		// Archives often deliver latitude north-to-south; normalize both
		// spatial axes ascending and permute grid values to match.
		if latOrder = axisOrder(lats); latOrder != nil {
			lats = applyOrder(lats, latOrder)
		}
		if lonOrder = axisOrder(lons); lonOrder != nil {
			lons = applyOrder(lons, lonOrder)
		}
	}

	nt := len(kept)
	ds := &Dataset{
		TimeDim: dimName(opts.Rename, DefaultTimeDim),
		LatDim:  dimName(opts.Rename, DefaultLatDim),
		LonDim:  dimName(opts.Rename, DefaultLonDim),
		Times:   make([]time.Time, nt),
		Lats:    lats,
		Lons:    lons,
		Vars:    make(map[string][]float64, len(sourceOf)),
	}
	for name := range sourceOf {
		values := make([]float64, nt*ny*nx)
		for i := range values {
			values[i] = math.NaN()
		}
		ds.Vars[name] = values
	}
	for ti, si := range kept {
		ds.Times[ti] = slices[si].Time
		for name, grid := range renamed[si] {
			dst := ds.Vars[name][ti*ny*nx : (ti+1)*ny*nx]
			if latOrder == nil && lonOrder == nil {
				copy(dst, grid)
				continue
			}
			for y := 0; y < ny; y++ {
				row := grid[axisAt(latOrder, y)*nx:]
				for x := 0; x < nx; x++ {
					dst[y*nx+x] = row[axisAt(lonOrder, x)]
				}
			}
		}
	}
	return ds, nil
}

// axisOrder returns the permutation that sorts axis ascending, or nil when
// the axis already is.
func axisOrder(axis []float64) []int {
	if sort.Float64sAreSorted(axis) {
		return nil
	}
	order := make([]int, len(axis))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return axis[order[a]] < axis[order[b]] })
	return order
}

// applyOrder returns axis reordered by the permutation.
func applyOrder(axis []float64, order []int) []float64 {
	out := make([]float64, len(axis))
	for i, j := range order {
		out[i] = axis[j]
	}
	return out
}

// axisAt maps an output index through a permutation; nil is the identity.
func axisAt(order []int, i int) int {
	if order == nil {
		return i
	}
	return order[i]
}

// replaces reports whether a candidate cycle beats the incumbent under
// the duplicate policy.
func replaces(candidate, incumbent time.Time, policy DuplicatePolicy) bool {
	if policy == EarliestCycle {
		return candidate.Before(incumbent)
	}
	return candidate.After(incumbent)
}

func dimName(rename map[string]string, def string) string {
	if to, ok := rename[def]; ok {
		return to
	}
	return def
}
