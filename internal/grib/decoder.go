package grib

import (
	"context"
	"errors"
)

// ErrDecode is returned when a downloaded file cannot be decoded.
var ErrDecode = errors.New("grib decode failed")

// Grid holds one decoded field on a regular latitude/longitude grid.
// Values is row-major over Lats then Lons: Values[y*len(Lons)+x] is the
// value at (Lats[y], Lons[x]).
type Grid struct {
	Field  Field
	Lats   []float64
	Lons   []float64
	Values []float64
}

// Shape returns the (ny, nx) dimensions of the grid.
func (g Grid) Shape() (int, int) {
	return len(g.Lats), len(g.Lons)
}

// At returns the value at grid position (y, x).
func (g Grid) At(y, x int) float64 {
	return g.Values[y*len(g.Lons)+x]
}

// Decoder is the decode boundary: it lists the fields inside a GRIB2 file
// and extracts selected fields as grids. The engine treats the file format
// as opaque beyond this interface.
type Decoder interface {
	// Inventory returns the FieldTable for a local file.
	Inventory(ctx context.Context, path string) (FieldTable, error)

	// Decode extracts the given fields from a local file. The returned
	// grids preserve the order of the fields argument.
	Decode(ctx context.Context, path string, fields []Field) ([]Grid, error)
}
