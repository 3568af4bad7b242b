package source

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/oceanum/nwp-fetch/internal/grib"
)

const testIndex = `1:0:d=2023112200:ICEC:surface:6 hour fcst:
2:30:d=2023112200:TMP:surface:6 hour fcst:
3.1:70:d=2023112200:UGRD:10 m above ground:6 hour fcst:
3.2:70:d=2023112200:VGRD:10 m above ground:6 hour fcst:
`

func testObject() []byte {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func testRequest() Request {
	return Request{
		Model:     "hrrr",
		Product:   "sfc",
		Cycle:     time.Date(2023, 11, 22, 0, 0, 0, 0, time.UTC),
		LeadHours: 6,
	}
}

// newMemSource builds a blobSource over an in-memory bucket seeded with
// the given objects under the hrrr model.
func newMemSource(t *testing.T, objects map[string][]byte) *blobSource {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	ctx := context.Background()
	for key, data := range objects {
		if err := bucket.WriteAll(ctx, key, data, nil); err != nil {
			t.Fatalf("seed object %s: %v", key, err)
		}
	}

	src := &blobSource{
		name:    "mem",
		buckets: map[string]*blob.Bucket{"hrrr": bucket},
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestBlobIndex(t *testing.T) {
	key := "hrrr.20231122/conus/hrrr.t00z.wrfsfcf06.grib2"
	src := newMemSource(t, map[string][]byte{
		key:          testObject(),
		key + ".idx": []byte(testIndex),
	})

	table, err := src.Index(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if len(table) != 4 {
		t.Fatalf("Index() returned %d fields, want 4", len(table))
	}
	if table[0].Name != "ICEC" || table[0].Extent != 30 {
		t.Errorf("field 0 = %s extent %d, want ICEC extent 30", table[0].Name, table[0].Extent)
	}
	// The last record's extent comes from the object size.
	if table[3].Offset != 70 || table[3].Extent != 30 {
		t.Errorf("field 3 offset/extent = %d/%d, want 70/30", table[3].Offset, table[3].Extent)
	}
}

func TestBlobIndexMissingObject(t *testing.T) {
	src := newMemSource(t, nil)

	_, err := src.Index(context.Background(), testRequest())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Index() error = %v, want ErrNotFound", err)
	}
}

func TestBlobIndexMissingSidecar(t *testing.T) {
	key := "hrrr.20231122/conus/hrrr.t00z.wrfsfcf06.grib2"
	src := newMemSource(t, map[string][]byte{key: testObject()})

	_, err := src.Index(context.Background(), testRequest())
	if !errors.Is(err, ErrNoIndex) {
		t.Errorf("Index() error = %v, want ErrNoIndex", err)
	}
}

func TestBlobFetchRanges(t *testing.T) {
	key := "hrrr.20231122/conus/hrrr.t00z.wrfsfcf06.grib2"
	data := testObject()
	src := newMemSource(t, map[string][]byte{
		key:          data,
		key + ".idx": []byte(testIndex),
	})

	table, err := src.Index(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	// ICEC plus the shared-message wind pair.
	fields := []grib.Field{table[0], table[2], table[3]}
	var buf bytes.Buffer
	n, err := src.Fetch(context.Background(), testRequest(), fields, &buf)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != 60 {
		t.Errorf("Fetch() wrote %d bytes, want 60", n)
	}

	want := append(append([]byte{}, data[0:30]...), data[70:100]...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("Fetch() bytes do not match the selected ranges")
	}
}

func TestBlobFetchWholeObject(t *testing.T) {
	key := "hrrr.20231122/conus/hrrr.t00z.wrfsfcf06.grib2"
	data := testObject()
	src := newMemSource(t, map[string][]byte{key: data})

	var buf bytes.Buffer
	n, err := src.Fetch(context.Background(), testRequest(), nil, &buf)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("Fetch() wrote %d bytes, want the whole %d byte object", n, len(data))
	}
}

func TestBlobFetchGzip(t *testing.T) {
	data := testObject()
	var gzbuf bytes.Buffer
	gz := gzip.NewWriter(&gzbuf)
	if _, err := gz.Write(data); err != nil {
		t.Fatalf("compress fixture: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("compress fixture: %v", err)
	}

	key := "hrrr.20231122/conus/hrrr.t00z.wrfsfcf06.grib2.gz"
	src := newMemSource(t, map[string][]byte{key: gzbuf.Bytes()})
	src.templates = map[string]string{
		"hrrr": "hrrr.{yyyymmdd}/conus/hrrr.t{hh}z.wrf{product}f{ff}.grib2.gz",
	}

	// Selected fields are ignored for gzip objects: the whole object is
	// fetched and decompressed.
	fields := []grib.Field{{Offset: 0, Extent: 30}}
	var buf bytes.Buffer
	n, err := src.Fetch(context.Background(), testRequest(), fields, &buf)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("Fetch() = %d bytes, want %d decompressed bytes", n, len(data))
	}
}

func TestBlobNotHosted(t *testing.T) {
	src := newMemSource(t, nil)

	req := testRequest()
	req.Model = "gfs"
	if _, err := src.Index(context.Background(), req); !errors.Is(err, ErrNotHosted) {
		t.Errorf("Index() error = %v, want ErrNotHosted", err)
	}
}
