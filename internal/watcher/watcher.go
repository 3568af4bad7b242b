// Package watcher polls model archives for newly published cycles and
// triggers a forecast retrieval for each one. Progress is checkpointed
// per model/product pair so a restarted watcher resumes after the last
// cycle it delivered instead of fetching it again.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oceanum/nwp-fetch/internal/checkpoint"
	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/models"
	"github.com/oceanum/nwp-fetch/internal/retrieval"
)

const (
	cycleFormat     = "2006-01-02T15"
	defaultInterval = 5 * time.Minute
)

// Runner executes one retrieval. *retrieval.Retriever satisfies it.
type Runner interface {
	Run(ctx context.Context, spec retrieval.Spec) (*dataset.Dataset, error)
}

// SinkFunc delivers an assembled dataset. A sink error leaves the
// checkpoint untouched, so the cycle is retried on the next tick.
type SinkFunc func(ctx context.Context, spec retrieval.Spec, ds *dataset.Dataset) error

// Options tune the watch loop.
type Options struct {
	// Sink receives each assembled dataset. Nil discards them.
	Sink SinkFunc

	// Interval between archive polls. Defaults to five minutes.
	Interval time.Duration

	// Backfill caps how many missed cycles one tick recovers after
	// downtime, oldest first. Defaults to 1 (newest cycle only).
	Backfill int

	Now func() time.Time
}

// Watcher drives repeated forecast retrievals for one model/product.
type Watcher struct {
	model       models.Model
	retriever   Runner
	checkpoints checkpoint.Manager
	spec        retrieval.Spec
	sink        SinkFunc
	interval    time.Duration
	backfill    int
	now         func() time.Time
	log         *slog.Logger
}

// New validates the spec template and builds a watcher. The template's
// Cycle is ignored; each tick substitutes the cycle being fetched.
func New(registry *models.Registry, retriever Runner, checkpoints checkpoint.Manager, spec retrieval.Spec, opts Options) (*Watcher, error) {
	if spec.Mode != "" && spec.Mode != retrieval.ModeForecast {
		return nil, fmt.Errorf("%w: watch requires a forecast spec", retrieval.ErrInvalidRangeSpec)
	}
	spec.Mode = retrieval.ModeForecast
	spec.Cycle = time.Time{}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	model, err := registry.Lookup(spec.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", retrieval.ErrInvalidRangeSpec, err)
	}

	if checkpoints == nil {
		checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	backfill := opts.Backfill
	if backfill < 1 {
		backfill = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Watcher{
		model:       model,
		retriever:   retriever,
		checkpoints: checkpoints,
		spec:        spec,
		sink:        opts.Sink,
		interval:    interval,
		backfill:    backfill,
		now:         now,
		log:         logging.Component("watcher").With("model", spec.Model, "product", spec.Product),
	}, nil
}

// Run polls until ctx is canceled. The first poll happens immediately.
// Tick failures are logged and retried; Run itself returns nil on a
// clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watch started",
		"interval", w.interval.String(),
		"cycle_step", w.model.CycleStep,
	)

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watch stopped")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	cid := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, cid)
	log := w.log.With("correlation_id", cid)

	latest := w.model.LatestCycle(w.now())

	var last time.Time
	cp, err := w.checkpoints.Load(ctx, w.spec.Model, w.spec.Product)
	switch {
	case err == nil:
		last = cp.LastCycle
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		log.Warn("checkpoint unavailable, treating all cycles as new", "error", err)
	}

	cycles := w.pending(latest, last)
	if len(cycles) == 0 {
		log.Debug("no new cycle", "latest", latest.Format(cycleFormat))
		return
	}

	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return
		}
		w.fetchCycle(ctx, log, cycle)
	}
}

// pending lists unfetched cycles oldest first, so checkpoints advance
// monotonically even when a later cycle fails.
func (w *Watcher) pending(latest, last time.Time) []time.Time {
	var cycles []time.Time
	for c := latest; c.After(last) && len(cycles) < w.backfill; c = w.model.PrevCycle(c) {
		cycles = append(cycles, c)
	}
	slices.Reverse(cycles)
	return cycles
}

func (w *Watcher) fetchCycle(ctx context.Context, log *slog.Logger, cycle time.Time) {
	spec := w.spec
	spec.Cycle = cycle

	ds, err := w.retriever.Run(ctx, spec)
	switch {
	case errors.Is(err, retrieval.ErrEmptyRetrieval), errors.Is(err, retrieval.ErrIncompleteHorizon):
		// Publication lag varies by a few minutes per cycle, and the
		// later leads land last. Leave the checkpoint alone and let
		// the next tick retry.
		log.Info("cycle not fully published", "cycle", cycle.Format(cycleFormat))
		return
	case err != nil:
		log.Error("retrieval failed", "cycle", cycle.Format(cycleFormat), "error", err)
		return
	}

	if w.sink != nil {
		if err := w.sink(ctx, spec, ds); err != nil {
			log.Error("failed to deliver dataset",
				"cycle", cycle.Format(cycleFormat),
				"error", err,
			)
			return
		}
	}

	save := &checkpoint.Checkpoint{
		Model:       spec.Model,
		Product:     spec.Product,
		LastCycle:   cycle,
		RetrievalID: logging.CorrelationID(ctx),
		UpdatedAt:   w.now().UTC(),
	}
	if err := w.checkpoints.Save(ctx, save); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}

	log.Info("cycle delivered",
		"cycle", cycle.Format(cycleFormat),
		"timesteps", ds.Len(),
	)
}
