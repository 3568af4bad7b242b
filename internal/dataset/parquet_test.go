package dataset

import (
	"testing"
	"time"
)

func TestRows(t *testing.T) {
	ds := &Dataset{
		TimeDim: "time",
		LatDim:  "lat",
		LonDim:  "lon",
		Times:   []time.Time{time.Date(2023, 11, 22, 0, 0, 0, 0, time.UTC)},
		Lats:    []float64{40},
		Lons:    []float64{250, 251},
		Vars: map[string][]float64{
			"sea_ice_cover": {0.5, 0.7},
			"air_temp":      {270, 271},
		},
	}

	rows := Rows(ds)
	if len(rows) != 4 {
		t.Fatalf("Rows() = %d rows, want 4 (2 vars x 1 lat x 2 lons)", len(rows))
	}

	// Variables come out in sorted order within a timestep.
	if rows[0].Variable != "air_temp" || rows[2].Variable != "sea_ice_cover" {
		t.Errorf("variable order = %s, %s; want air_temp then sea_ice_cover",
			rows[0].Variable, rows[2].Variable)
	}
	if rows[0].Lon != 250 || rows[1].Lon != 251 {
		t.Errorf("lon order = %v, %v; want 250 then 251", rows[0].Lon, rows[1].Lon)
	}
	if rows[3].Value != 0.7 {
		t.Errorf("rows[3].Value = %v, want 0.7", rows[3].Value)
	}
	if !rows[0].Time.Equal(ds.Times[0]) {
		t.Errorf("rows[0].Time = %s, want %s", rows[0].Time, ds.Times[0])
	}
}

func TestRowsTimeMajor(t *testing.T) {
	ds := &Dataset{
		Times: []time.Time{
			time.Date(2023, 11, 22, 0, 0, 0, 0, time.UTC),
			time.Date(2023, 11, 22, 1, 0, 0, 0, time.UTC),
		},
		Lats: []float64{40},
		Lons: []float64{250},
		Vars: map[string][]float64{"v": {1, 2}},
	}

	rows := Rows(ds)
	if len(rows) != 2 {
		t.Fatalf("Rows() = %d rows, want 2", len(rows))
	}
	if rows[0].Value != 1 || rows[1].Value != 2 {
		t.Errorf("values = %v, %v; want 1, 2 in time order", rows[0].Value, rows[1].Value)
	}
	if !rows[1].Time.After(rows[0].Time) {
		t.Error("rows must be emitted time-major")
	}
}
