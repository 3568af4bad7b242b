// Package source provides the remote archive clients the retrieval engine
// fetches GRIB2 objects from. A source is addressed by URL: gs://, s3://,
// azblob://, file:// and mem:// URLs open gocloud.dev buckets, http(s)://
// URLs talk to plain web archives such as NOMADS. Both kinds serve sidecar
// indexes and byte-range subsetted downloads.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/oceanum/nwp-fetch/internal/grib"
)

var (
	// ErrNotFound reports that the archive does not hold the requested
	// object, typically because the cycle or lead time is not published.
	ErrNotFound = errors.New("object not found")

	// ErrNoIndex reports that the object exists but carries no sidecar
	// index, so only whole-object fetches are possible.
	ErrNoIndex = errors.New("no sidecar index")

	// ErrNotHosted reports that a source has no URL configured for the
	// requested model.
	ErrNotHosted = errors.New("model not hosted")
)

// Source is one remote archive. Implementations are safe for concurrent
// use by multiple fetch workers.
type Source interface {
	Name() string

	// Available reports whether the source's retention window still
	// covers the cycle. It performs no network I/O.
	Available(cycle, now time.Time) bool

	// Index confirms the object for req exists and returns its parsed
	// sidecar index. ErrNotFound means the object itself is absent;
	// ErrNoIndex means the object exists without a sidecar.
	Index(ctx context.Context, req Request) (grib.FieldTable, error)

	// Fetch writes the byte ranges covering fields to w, in offset
	// order, and returns the byte count. With no fields, or for
	// gzip-compressed objects, the whole (decompressed) object is
	// written instead.
	Fetch(ctx context.Context, req Request, fields []grib.Field, w io.Writer) (int64, error)

	Close() error
}

// Config describes one archive source.
type Config struct {
	Name string `yaml:"name"`

	// URLs maps model name to the bucket URL or HTTP base the model is
	// hosted under. All URLs of one source must share a transport.
	URLs map[string]string `yaml:"urls"`

	// Templates overrides the default object-key template per model.
	Templates map[string]string `yaml:"templates"`

	// RetentionHours bounds how far back the archive keeps data.
	// Zero means unlimited.
	RetentionHours int `yaml:"retention_hours"`
}

// New constructs a Source from its configuration. The URL scheme picks the
// transport: http and https URLs are served by the web client, anything
// else is opened as a gocloud.dev bucket.
func New(ctx context.Context, cfg Config) (Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("source name is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("source %s: no model URLs configured", cfg.Name)
	}
	for model, tmpl := range cfg.Templates {
		probe := Request{Model: model, Product: "x", Cycle: time.Unix(0, 0)}
		if _, err := ExpandKey(tmpl, probe); err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
	}

	web := 0
	for model, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("source %s: bad URL for %s: %w", cfg.Name, model, err)
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			web++
		}
	}
	switch web {
	case 0:
		return newBlobSource(ctx, cfg)
	case len(cfg.URLs):
		return newHTTPSource(cfg), nil
	default:
		return nil, fmt.Errorf("source %s: mixed http and bucket URLs", cfg.Name)
	}
}

// Defaults returns the built-in NOAA open-data archives in priority order.
// NOMADS is the only one with a bounded retention window; the cloud
// mirrors hold the full history.
func Defaults() []Config {
	return []Config{
		{
			Name: "google",
			URLs: map[string]string{
				"hrrr": "gs://high-resolution-rapid-refresh",
				"gfs":  "gs://global-forecast-system",
			},
		},
		{
			Name: "aws",
			URLs: map[string]string{
				"hrrr": "s3://noaa-hrrr-bdp-pds?region=us-east-1",
				"gfs":  "s3://noaa-gfs-bdp-pds?region=us-east-1",
				"nam":  "s3://noaa-nam-pds?region=us-east-1",
			},
		},
		{
			Name:           "nomads",
			RetentionHours: 14 * 24,
			URLs: map[string]string{
				"hrrr": "https://nomads.ncep.noaa.gov/pub/data/nccf/com/hrrr/prod",
				"gfs":  "https://nomads.ncep.noaa.gov/pub/data/nccf/com/gfs/prod",
				"nam":  "https://nomads.ncep.noaa.gov/pub/data/nccf/com/nam/prod",
			},
		},
		{
			// The Azure mirrors are public containers; they are reached
			// over plain HTTPS so no storage credentials are needed.
			Name: "azure",
			URLs: map[string]string{
				"hrrr": "https://noaahrrr.blob.core.windows.net/hrrr",
				"gfs":  "https://noaagfs.blob.core.windows.net/gfs",
			},
		},
	}
}

// window is a source's retention policy. Archives that keep only the
// trailing N hours cannot serve cycles older than that.
type window struct {
	retention time.Duration
}

func (w window) available(cycle, now time.Time) bool {
	if w.retention <= 0 {
		return true
	}
	return now.Sub(cycle) <= w.retention
}

// span is a contiguous byte range within a remote object. len -1 means
// "to end of object".
type span struct {
	off int64
	len int64
}

// fieldSpans converts the selected fields into a minimal set of byte
// ranges: sub-fields sharing one message collapse into one span, and
// adjacent or overlapping messages merge.
func fieldSpans(fields []grib.Field) []span {
	spans := make([]span, 0, len(fields))
	for _, f := range fields {
		ln := f.Extent
		if ln <= 0 {
			ln = -1
		}
		spans = append(spans, span{off: f.Offset, len: ln})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].off != spans[j].off {
			return spans[i].off < spans[j].off
		}
		// Longest span first at equal offsets; open-ended is longest.
		li, lj := spans[i].len, spans[j].len
		if li == -1 || lj == -1 {
			return li == -1 && lj != -1
		}
		return li > lj
	})

	var merged []span
	for _, s := range spans {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.len == -1 {
				// Open-ended span already covers the rest of the object.
				break
			}
			if s.off <= last.off+last.len {
				if s.len == -1 {
					last.len = -1
					continue
				}
				if end := s.off + s.len; end > last.off+last.len {
					last.len = end - last.off
				}
				continue
			}
		}
		merged = append(merged, s)
	}
	return merged
}
