package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oceanum/nwp-fetch/internal/logging"
)

// httpRecorder posts manifests to a collector endpoint.
type httpRecorder struct {
	endpoint string
	token    string
	client   *http.Client
	retries  int
	delay    time.Duration
	log      *slog.Logger
}

func newHTTPRecorder(cfg Config) *httpRecorder {
	return &httpRecorder{
		endpoint: cfg.Endpoint,
		token:    cfg.AuthToken,
		client:   &http.Client{Timeout: 30 * time.Second},
		retries:  3,
		delay:    time.Second,
		log:      logging.Component("manifest"),
	}
}

// Record posts the manifest, retrying transient failures with doubling
// backoff. A 4xx response is treated as permanent.
func (h *httpRecorder) Record(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	delay := h.delay
	var lastErr error
	for attempt := 0; attempt < h.retries; attempt++ {
		if attempt > 0 {
			h.log.Debug("retrying manifest post", "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build manifest request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("manifest endpoint rejected record %s: %s", rec.ID, resp.Status)
		default:
			lastErr = fmt.Errorf("manifest endpoint returned %s", resp.Status)
		}
	}
	return fmt.Errorf("post manifest %s after %d attempts: %w", rec.ID, h.retries, lastErr)
}

func (h *httpRecorder) Close() error { return nil }
