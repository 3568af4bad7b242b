package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/oceanum/nwp-fetch/internal/grib"
	"github.com/oceanum/nwp-fetch/internal/metrics"
)

// httpSource reads GRIB2 objects from plain web archives such as NOMADS
// or the public Azure mirrors. Subsetting uses Range requests. Transient
// failures are retried with exponential backoff before the attempt is
// reported failed.
type httpSource struct {
	name      string
	window    window
	bases     map[string]string
	templates map[string]string
	client    *http.Client
	retries   int
	backoff   time.Duration
}

func newHTTPSource(cfg Config) *httpSource {
	bases := make(map[string]string, len(cfg.URLs))
	for model, base := range cfg.URLs {
		bases[model] = strings.TrimRight(base, "/")
	}
	return &httpSource{
		name:      cfg.Name,
		window:    window{retention: time.Duration(cfg.RetentionHours) * time.Hour},
		bases:     bases,
		templates: cfg.Templates,
		// No client timeout: downloads can be large, cancellation is the
		// caller's context.
		client:  &http.Client{},
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Available(cycle, now time.Time) bool {
	return s.window.available(cycle, now)
}

// Index implements Source.Index. The object is HEAD-probed first so a
// missing object and a missing sidecar stay distinguishable, and so the
// parsed index can carry the final record's extent.
func (s *httpSource) Index(ctx context.Context, req Request) (grib.FieldTable, error) {
	objectURL, err := s.locate(req)
	if err != nil {
		return nil, err
	}

	size, err := s.head(ctx, req.Model, objectURL)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(ctx, req.Model, http.MethodGet, objectURL+".idx", "")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s.idx", ErrNoIndex, objectURL)
		}
		return nil, err
	}
	defer resp.Body.Close()

	table, err := grib.ParseIndex(resp.Body, size)
	if err != nil {
		return nil, fmt.Errorf("parse index %s.idx: %w", objectURL, err)
	}
	return table, nil
}

// Fetch implements Source.Fetch, one Range request per merged span.
// Servers that ignore Range and reply 200 deliver the whole object; in
// that case it is written once and the remaining spans are skipped.
func (s *httpSource) Fetch(ctx context.Context, req Request, fields []grib.Field, w io.Writer) (int64, error) {
	objectURL, err := s.locate(req)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 || strings.HasSuffix(objectURL, ".gz") {
		return s.fetchObject(ctx, req.Model, objectURL, w)
	}

	var written int64
	for _, sp := range fieldSpans(fields) {
		byteRange := fmt.Sprintf("bytes=%d-", sp.off)
		if sp.len > 0 {
			byteRange = fmt.Sprintf("bytes=%d-%d", sp.off, sp.off+sp.len-1)
		}
		resp, err := s.do(ctx, req.Model, http.MethodGet, objectURL, byteRange)
		if err != nil {
			return written, err
		}
		n, err := io.Copy(w, resp.Body)
		resp.Body.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("read %s: %w", objectURL, err)
		}
		if resp.StatusCode == http.StatusOK {
			break
		}
	}
	return written, nil
}

func (s *httpSource) fetchObject(ctx context.Context, model, objectURL string, w io.Writer) (int64, error) {
	resp, err := s.do(ctx, model, http.MethodGet, objectURL, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if strings.HasSuffix(objectURL, ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("gunzip %s: %w", objectURL, err)
		}
		defer gz.Close()
		src = gz
	}

	n, err := io.Copy(w, src)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", objectURL, err)
	}
	return n, nil
}

func (s *httpSource) Close() error { return nil }

func (s *httpSource) locate(req Request) (string, error) {
	base, ok := s.bases[req.Model]
	if !ok {
		return "", fmt.Errorf("%w: %s has no base URL for %s", ErrNotHosted, s.name, req.Model)
	}
	key, err := resolveKey(s.templates, req)
	if err != nil {
		return "", err
	}
	return base + "/" + key, nil
}

// head probes the object and returns its size, or 0 when the server does
// not report one.
func (s *httpSource) head(ctx context.Context, model, objectURL string) (int64, error) {
	resp, err := s.do(ctx, model, http.MethodHead, objectURL, "")
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// do issues one request, retrying transport errors and 5xx responses.
// 404 and 403 are not retried: the S3-style endpoints answer 403 for keys
// that do not exist, so both mean not-found here.
func (s *httpSource) do(ctx context.Context, model, method, url, byteRange string) (*http.Response, error) {
	var lastErr error
	delay := s.backoff

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(metrics.Labels{Model: model, Source: s.name})
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		if byteRange != "" {
			req.Header.Set("Range", byteRange)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			resp.Body.Close()
			return nil, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s %s after %d attempts: %w", method, url, s.retries+1, lastErr)
}
