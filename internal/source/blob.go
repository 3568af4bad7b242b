package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/oceanum/nwp-fetch/internal/grib"

	_ "gocloud.dev/blob/azureblob" // Azure driver
	_ "gocloud.dev/blob/fileblob"  // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"   // GCS driver
	_ "gocloud.dev/blob/memblob"   // in-memory driver
	_ "gocloud.dev/blob/s3blob"    // S3 driver
)

// blobSource reads GRIB2 objects from bucket storage through gocloud.dev.
// One bucket is opened per hosted model.
// Cloud credentials come from the environment (ADC for GCS, the standard
// chain for S3); transport retries are handled by the provider SDKs.
type blobSource struct {
	name      string
	window    window
	buckets   map[string]*blob.Bucket
	templates map[string]string
}

func newBlobSource(ctx context.Context, cfg Config) (*blobSource, error) {
	s := &blobSource{
		name:      cfg.Name,
		window:    window{retention: time.Duration(cfg.RetentionHours) * time.Hour},
		buckets:   make(map[string]*blob.Bucket, len(cfg.URLs)),
		templates: cfg.Templates,
	}
	for model, bucketURL := range cfg.URLs {
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open bucket %s for %s: %w", bucketURL, model, err)
		}
		s.buckets[model] = bucket
	}
	return s, nil
}

func (s *blobSource) Name() string { return s.name }

func (s *blobSource) Available(cycle, now time.Time) bool {
	return s.window.available(cycle, now)
}

// Index implements Source.Index. Existence of the data object is checked
// first so a missing object and a missing sidecar stay distinguishable.
func (s *blobSource) Index(ctx context.Context, req Request) (grib.FieldTable, error) {
	bucket, key, err := s.locate(req)
	if err != nil {
		return nil, err
	}

	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	r, err := bucket.NewReader(ctx, key+".idx", nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s.idx", ErrNoIndex, key)
		}
		return nil, fmt.Errorf("open index %s.idx: %w", key, err)
	}
	defer r.Close()

	table, err := grib.ParseIndex(r, attrs.Size)
	if err != nil {
		return nil, fmt.Errorf("parse index %s.idx: %w", key, err)
	}
	return table, nil
}

// Fetch implements Source.Fetch using range readers for subsetted
// downloads. Gzip objects cannot be range-read, so they are always
// fetched whole and decompressed on the way out.
func (s *blobSource) Fetch(ctx context.Context, req Request, fields []grib.Field, w io.Writer) (int64, error) {
	bucket, key, err := s.locate(req)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 || strings.HasSuffix(key, ".gz") {
		return s.fetchObject(ctx, bucket, key, w)
	}

	var written int64
	for _, sp := range fieldSpans(fields) {
		r, err := bucket.NewRangeReader(ctx, key, sp.off, sp.len, nil)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return written, fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return written, fmt.Errorf("open range %d+%d of %s: %w", sp.off, sp.len, key, err)
		}
		n, err := io.Copy(w, r)
		r.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("read range %d+%d of %s: %w", sp.off, sp.len, key, err)
		}
	}
	return written, nil
}

func (s *blobSource) fetchObject(ctx context.Context, bucket *blob.Bucket, key string, w io.Writer) (int64, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()

	var src io.Reader = r
	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("gunzip %s: %w", key, err)
		}
		defer gz.Close()
		src = gz
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("read object %s: %w", key, err)
	}
	return n, nil
}

// Close releases every bucket handle.
func (s *blobSource) Close() error {
	var firstErr error
	for _, bucket := range s.buckets {
		if err := bucket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *blobSource) locate(req Request) (*blob.Bucket, string, error) {
	bucket, ok := s.buckets[req.Model]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s has no bucket for %s", ErrNotHosted, s.name, req.Model)
	}
	key, err := resolveKey(s.templates, req)
	if err != nil {
		return nil, "", err
	}
	return bucket, key, nil
}
