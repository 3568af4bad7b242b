package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oceanum/nwp-fetch/internal/grib"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/metrics"
	"github.com/oceanum/nwp-fetch/internal/source"
)

// errOutsideWindow is recorded as the attempt reason when a source's
// retention window excludes the requested cycle before any I/O happens.
var errOutsideWindow = errors.New("cycle outside retention window")

// Resolution is a successful unit resolution: the first source in priority
// order that holds the file, plus the field table read from its sidecar
// index. Table is nil when the object exists but has no sidecar; the caller
// must then download the whole file and inventory it locally.
type Resolution struct {
	Source   source.Source
	Table    grib.FieldTable
	Attempts []SourceAttempt // failures that preceded the hit
}

// Resolver walks sources in priority order until one resolves a unit.
// Transport-level retries live inside the sources; the resolver only
// decides fallback.
type Resolver struct {
	sources []source.Source
	now     func() time.Time
	log     *slog.Logger
}

// NewResolver builds a resolver over an already priority-ordered source list.
func NewResolver(sources []source.Source) *Resolver {
	return &Resolver{
		sources: sources,
		now:     time.Now,
		log:     logging.Component("resolver"),
	}
}

// Resolve finds the first source that can serve req. Sources after the
// first hit are never contacted. When every source fails the returned
// error is a *ResolutionError; an empty source list yields ErrNoSources.
func (r *Resolver) Resolve(ctx context.Context, req source.Request) (*Resolution, error) {
	if len(r.sources) == 0 {
		return nil, ErrNoSources
	}

	var attempts []SourceAttempt
	for _, src := range r.sources {
		if !src.Available(req.Cycle, r.now()) {
			r.log.Debug("source skipped", "source", src.Name(), "request", req.String())
			attempts = append(attempts, SourceAttempt{Source: src.Name(), Err: errOutsideWindow})
			continue
		}

		if m := metrics.Get(); m != nil {
			m.IncSourceAttempts(metrics.Labels{Model: req.Model, Source: src.Name()})
		}

		table, err := src.Index(ctx, req)
		switch {
		case err == nil:
			return &Resolution{Source: src, Table: table, Attempts: attempts}, nil
		case errors.Is(err, source.ErrNoIndex):
			// Object present, sidecar missing: resolve to a whole-file fetch.
			return &Resolution{Source: src, Attempts: attempts}, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("resolve %s: %w", req, ctx.Err())
		}

		if errors.Is(err, source.ErrNotFound) {
			r.log.Debug("not at source", "source", src.Name(), "request", req.String())
		} else {
			r.log.Warn("source failed", "source", src.Name(), "request", req.String(), "error", err)
		}
		if m := metrics.Get(); m != nil {
			m.IncSourceFailures(metrics.Labels{Model: req.Model, Source: src.Name(), Reason: reasonLabel(err)})
		}
		attempts = append(attempts, SourceAttempt{Source: src.Name(), Err: err})
	}

	return nil, &ResolutionError{Request: req, Attempts: attempts}
}

// reasonLabel classifies an attempt error into a low-cardinality metric label.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, source.ErrNotFound):
		return "not_found"
	case errors.Is(err, source.ErrNotHosted):
		return "not_hosted"
	case errors.Is(err, errOutsideWindow):
		return "window"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
