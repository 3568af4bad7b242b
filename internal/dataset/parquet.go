package dataset

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Row is one observation in the long-format parquet output: a single
// variable sample at one (time, lat, lon) point.
type Row struct {
	Time     time.Time `parquet:"time,timestamp(millisecond)"`
	Variable string    `parquet:"variable,dict"`
	Lat      float64   `parquet:"lat"`
	Lon      float64   `parquet:"lon"`
	Value    float64   `parquet:"value"`
}

// Rows flattens the dataset time-major, variables in sorted order within
// each timestep.
func Rows(d *Dataset) []Row {
	nt, ny, nx := d.Shape()
	names := d.Names()
	rows := make([]Row, 0, nt*ny*nx*len(names))
	for t := 0; t < nt; t++ {
		for _, name := range names {
			values := d.Vars[name]
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					rows = append(rows, Row{
						Time:     d.Times[t],
						Variable: name,
						Lat:      d.Lats[y],
						Lon:      d.Lons[x],
						Value:    values[(t*ny+y)*nx+x],
					})
				}
			}
		}
	}
	return rows
}

// WriteParquet serializes the dataset to w in long format.
func WriteParquet(w io.Writer, d *Dataset) error {
	pw := parquet.NewGenericWriter[Row](w)
	if _, err := pw.Write(Rows(d)); err != nil {
		pw.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
