// Package retrieval implements the engine core: spec validation, fetch-unit
// enumeration, source resolution with priority fallback, the bounded worker
// pool, and assembly of per-unit slices into the final dataset.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oceanum/nwp-fetch/internal/cache"
	"github.com/oceanum/nwp-fetch/internal/catalog"
	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/grib"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/manifest"
	"github.com/oceanum/nwp-fetch/internal/metrics"
	"github.com/oceanum/nwp-fetch/internal/models"
	"github.com/oceanum/nwp-fetch/internal/source"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const cycleFormat = "2006-01-02T15"

// defaultStepback bounds how many cycles latest-cycle discovery walks back
// before giving up.
const defaultStepback = 4

// Options carries the retriever's optional collaborators. Nil fields get
// no-op defaults.
type Options struct {
	Manifest manifest.Recorder
	Catalog  catalog.Writer
	Now      func() time.Time
}

// Retriever executes retrieval specs against the configured archive sources.
type Retriever struct {
	registry *models.Registry
	sources  []source.Source
	decoder  grib.Decoder
	store    *cache.Store
	manifest manifest.Recorder
	catalog  catalog.Writer
	now      func() time.Time
	log      *slog.Logger
}

// New builds a Retriever. sources must already be in default priority
// order; a spec's Priority field reorders them per run.
func New(registry *models.Registry, sources []source.Source, decoder grib.Decoder, store *cache.Store, opts Options) *Retriever {
	r := &Retriever{
		registry: registry,
		sources:  sources,
		decoder:  decoder,
		store:    store,
		manifest: opts.Manifest,
		catalog:  opts.Catalog,
		now:      opts.Now,
		log:      logging.Component("retriever"),
	}
	if r.manifest == nil {
		r.manifest = manifest.NewRecorder(manifest.Config{})
	}
	if r.catalog == nil {
		r.catalog = catalog.NewNoop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run executes one retrieval end to end and returns the assembled dataset.
// Failed runs surface a single *Failure carrying the dominant reason and
// how many of the requested units succeeded.
func (r *Retriever) Run(ctx context.Context, spec Spec) (*dataset.Dataset, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := logging.RetrievalLogger(runID, string(spec.mode()), spec.Model, spec.Product)

	model, sel, err := r.prepare(spec)
	if err != nil {
		return nil, err
	}
	ordered, err := orderSources(r.sources, spec.Priority)
	if err != nil {
		return nil, err
	}
	resolver := NewResolver(ordered)
	resolver.now = r.now

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	ctx = logging.WithCorrelationID(ctx, runID)

	// Forecast runs without an explicit cycle probe backwards from the
	// wall clock for the newest published cycle.
	runSpec := spec
	if spec.mode() == ModeForecast && spec.Cycle.IsZero() {
		cycle, err := r.discoverCycle(ctx, resolver, model, spec)
		if err != nil {
			return nil, r.fail(log, spec, &Failure{
				Kind:      ErrEmptyRetrieval,
				Reason:    err,
				Requested: spec.Leads.Count(),
			})
		}
		log.Info("discovered latest cycle", "cycle", cycle.Format(cycleFormat))
		runSpec.Cycle = cycle
	}

	units, err := Enumerate(runSpec)
	if err != nil {
		return nil, err
	}
	workers := runSpec.Workers(len(units))
	log.Info("starting retrieval",
		"pattern", spec.Pattern,
		"units", len(units),
		"workers", workers,
	)

	outcomes := runUnits(ctx, units, workers, func(ctx context.Context, unit FetchUnit) (unitOutput, error) {
		return r.fetchUnit(ctx, runID, resolver, sel, runSpec, unit)
	})

	m := metrics.Get()

	succeeded := 0
	var (
		slices      []dataset.Slice
		unitRecords []manifest.Unit
		failures    []error
		totalBytes  int64
		lastCycle   time.Time
		namesSeen   = make(map[string]bool)
	)
	for _, unit := range units {
		out := outcomes[unit.key()]
		if out.Err != nil {
			failures = append(failures, out.Err)
			log.Warn("unit failed",
				"cycle", unit.Cycle.Format(cycleFormat),
				"fxx", unit.LeadHours,
				"error", out.Err,
			)
			if m != nil {
				m.IncUnitsFailed(metrics.Labels{Model: spec.Model})
			}
			continue
		}
		succeeded++
		totalBytes += out.Out.bytes
		if m != nil {
			m.IncUnitsResolved(metrics.Labels{Model: spec.Model, Source: out.Out.source})
		}
		unitRecords = append(unitRecords, manifest.Unit{
			Cycle:    unit.Cycle,
			Lead:     unit.LeadHours,
			Source:   out.Out.source,
			File:     out.Out.file,
			Checksum: out.Out.checksum,
			Bytes:    out.Out.bytes,
			Fields:   out.Out.fields,
		})
		if out.Out.matched {
			slices = append(slices, out.Out.slice)
			if out.Out.slice.Cycle.After(lastCycle) {
				lastCycle = out.Out.slice.Cycle
			}
		} else {
			for _, name := range out.Out.names {
				namesSeen[name] = true
			}
		}
	}

	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return nil, r.fail(log, spec, &Failure{
			Kind:      ErrRetrievalTimeout,
			Reason:    dominantError(failures),
			Succeeded: succeeded,
			Requested: len(units),
		})
	} else if err != nil {
		return nil, fmt.Errorf("retrieval canceled: %w", err)
	}

	if succeeded == 0 {
		return nil, r.fail(log, spec, &Failure{
			Kind:      ErrEmptyRetrieval,
			Reason:    dominantError(failures),
			Succeeded: 0,
			Requested: len(units),
		})
	}
	if len(slices) == 0 {
		return nil, r.fail(log, spec, &Failure{
			Kind:      ErrNoMatchingVariable,
			Reason:    fmt.Errorf("pattern %q matched none of: %s", spec.Pattern, availableNames(namesSeen)),
			Succeeded: succeeded,
			Requested: len(units),
		})
	}
	if succeeded < len(units) {
		log.Warn("incomplete retrieval",
			"succeeded", succeeded,
			"requested", len(units),
			"dominant", dominantError(failures),
		)
	}

	ds, err := dataset.Assemble(slices, dataset.Options{
		Rename:     spec.Rename,
		Sorted:     spec.Sorted,
		Duplicates: spec.Duplicates,
	})
	if err != nil {
		return nil, r.fail(log, spec, &Failure{
			Kind:      err,
			Succeeded: succeeded,
			Requested: len(units),
		})
	}

	// A forecast must reach its last requested lead. A hole in the middle
	// is tolerable partial coverage; a truncated tail means the archive has
	// not finished publishing the cycle.
	if runSpec.mode() == ModeForecast {
		horizon := runSpec.Cycle.Add(time.Duration(runSpec.Leads.Stop) * time.Hour)
		newest := ds.Times[0]
		for _, ts := range ds.Times[1:] {
			if ts.After(newest) {
				newest = ts
			}
		}
		if newest.Before(horizon) {
			return nil, r.fail(log, spec, &Failure{
				Kind: ErrIncompleteHorizon,
				Reason: fmt.Errorf("requested through %s, archive has %s",
					horizon.Format(cycleFormat), newest.Format(cycleFormat)),
				Succeeded: succeeded,
				Requested: len(units),
			})
		}
	}

	elapsed := time.Since(started)
	if m != nil {
		labels := metrics.Labels{Model: spec.Model, Mode: string(spec.mode())}
		m.IncRetrievalsCompleted(labels)
		m.ObserveRetrievalDuration(labels, elapsed.Seconds())
		m.ObserveAssembledTimesteps(labels, float64(ds.Len()))
		m.SetLastCycle(metrics.Labels{Model: spec.Model, Product: spec.Product}, float64(lastCycle.Unix()))
	}

	rec := manifest.Record{
		ID:        runID,
		Model:     spec.Model,
		Product:   spec.Product,
		Mode:      string(spec.mode()),
		Pattern:   spec.Pattern,
		Requested: len(units),
		Succeeded: succeeded,
		Timesteps: ds.Len(),
		Duration:  elapsed.Seconds(),
		Variables: ds.Names(),
		Units:     unitRecords,
		Producer:  manifest.Producer{Name: "nwp-fetch", Version: Version, GitSHA: GitSHA},
		CreatedAt: r.now().UTC(),
	}
	if err := r.manifest.Record(ctx, rec); err != nil {
		log.Warn("failed to record manifest", "error", err)
	}
	if err := r.recordCatalog(ctx, runSpec, ds, runID, succeeded, len(units), totalBytes); err != nil {
		log.Warn("failed to record catalog entry", "error", err)
	}

	log.Info("retrieval complete",
		"timesteps", ds.Len(),
		"variables", len(ds.Vars),
		"units", fmt.Sprintf("%d/%d", succeeded, len(units)),
		"bytes", totalBytes,
		"duration", elapsed.String(),
	)
	return ds, nil
}

// prepare validates the spec against the model registry and compiles the
// variable selector. All failures are InvalidRangeSpec.
func (r *Retriever) prepare(spec Spec) (models.Model, *grib.Selector, error) {
	if err := spec.Validate(); err != nil {
		return models.Model{}, nil, err
	}
	model, err := r.registry.Lookup(spec.Model)
	if err != nil {
		return models.Model{}, nil, fmt.Errorf("%w: %v", ErrInvalidRangeSpec, err)
	}
	switch spec.mode() {
	case ModeForecast:
		if !model.CoversLead(spec.Leads.Stop) {
			return models.Model{}, nil, fmt.Errorf("%w: lead %d beyond %s horizon %d",
				ErrInvalidRangeSpec, spec.Leads.Stop, model.Name, model.Horizon)
		}
	case ModeNowcast:
		if !model.CoversLead(spec.TimeStep) {
			return models.Model{}, nil, fmt.Errorf("%w: time step %d beyond %s horizon %d",
				ErrInvalidRangeSpec, spec.TimeStep, model.Name, model.Horizon)
		}
	}
	sel, err := grib.NewSelector(spec.Pattern)
	if err != nil {
		return models.Model{}, nil, fmt.Errorf("%w: %v", ErrInvalidRangeSpec, err)
	}
	return model, sel, nil
}

// discoverCycle probes the sources for the newest published cycle, stepping
// back one cadence at a time from the wall clock.
func (r *Retriever) discoverCycle(ctx context.Context, resolver *Resolver, model models.Model, spec Spec) (time.Time, error) {
	steps := spec.Stepback
	if steps <= 0 {
		steps = defaultStepback
	}
	newest := model.LatestCycle(r.now())

	probe := source.Request{Model: spec.Model, Product: spec.Product, LeadHours: spec.Leads.Start}
	cycle := newest
	var lastErr error
	for i := 0; i < steps; i++ {
		probe.Cycle = cycle
		_, err := resolver.Resolve(ctx, probe)
		if err == nil {
			return cycle, nil
		}
		var resErr *ResolutionError
		if !errors.As(err, &resErr) {
			// No sources configured, or the context gave out.
			return time.Time{}, err
		}
		lastErr = err
		cycle = model.PrevCycle(cycle)
	}
	return time.Time{}, fmt.Errorf("no published cycle within %d steps of %s: %w",
		steps, newest.Format(cycleFormat), lastErr)
}

// fetchUnit resolves, downloads, decodes and slices one fetch unit.
func (r *Retriever) fetchUnit(ctx context.Context, runID string, resolver *Resolver, sel *grib.Selector, spec Spec, unit FetchUnit) (unitOutput, error) {
	req := source.Request{Model: spec.Model, Product: spec.Product, Cycle: unit.Cycle, LeadHours: unit.LeadHours}
	log := logging.UnitLogger(runID, unit.Cycle, unit.LeadHours)

	res, err := resolver.Resolve(ctx, req)
	if err != nil {
		return unitOutput{}, err
	}
	srcName := res.Source.Name()
	log.Debug("unit resolved", "source", srcName, "indexed", res.Table != nil)

	// With a sidecar index the field selection happens before any download
	// and an unmatched unit costs no transfer at all.
	var fields []grib.Field
	if res.Table != nil {
		fields = sel.Select(res.Table)
		if len(fields) == 0 {
			return unitOutput{matched: false, names: res.Table.Names(), source: srcName}, nil
		}
	}

	ref := cache.Ref{Model: spec.Model, Cycle: unit.Cycle, Source: srcName, File: unitFileName(spec.Product, unit.LeadHours)}
	w, err := r.store.Create(ref)
	if err != nil {
		return unitOutput{}, fmt.Errorf("create cache entry: %w", err)
	}
	fetchStart := time.Now()
	if _, err := res.Source.Fetch(ctx, req, fields, w); err != nil {
		w.Abort()
		return unitOutput{}, fmt.Errorf("fetch %s from %s: %w", req, srcName, err)
	}
	path, sum, size, err := w.Commit()
	if err != nil {
		return unitOutput{}, fmt.Errorf("commit %s: %w", ref.File, err)
	}
	if m := metrics.Get(); m != nil {
		labels := metrics.Labels{Model: spec.Model, Source: srcName}
		m.ObserveFetchDuration(labels, time.Since(fetchStart).Seconds())
		m.ObserveFetchBytes(labels, float64(size))
	}
	log.Debug("unit downloaded", "source", srcName, "bytes", size, "checksum", sum)

	if res.Table == nil {
		// The whole file was fetched blind; inventory it locally before
		// selecting fields.
		table, err := r.decoder.Inventory(ctx, path)
		if err != nil {
			return unitOutput{}, fmt.Errorf("inventory %s: %w", ref.File, err)
		}
		fields = sel.Select(table)
		if len(fields) == 0 {
			r.discard(spec, ref, log)
			return unitOutput{matched: false, names: table.Names(), source: srcName, file: ref.File, checksum: sum, bytes: size}, nil
		}
	}

	grids, err := r.decoder.Decode(ctx, path, fields)
	if err != nil {
		return unitOutput{}, fmt.Errorf("decode %s: %w", ref.File, err)
	}
	slice, err := dataset.FromGrids(grids)
	if err != nil {
		return unitOutput{}, fmt.Errorf("grids of %s: %w", ref.File, err)
	}
	r.discard(spec, ref, log)

	return unitOutput{
		slice:    slice,
		matched:  true,
		source:   srcName,
		file:     ref.File,
		checksum: sum,
		bytes:    size,
		fields:   len(fields),
	}, nil
}

// discard removes a cached file unless the spec asked to keep downloads.
func (r *Retriever) discard(spec Spec, ref cache.Ref, log *slog.Logger) {
	if spec.KeepFiles {
		return
	}
	if err := r.store.Remove(ref); err != nil {
		log.Debug("failed to remove cached file", "file", ref.File, "error", err)
	}
}

// fail logs and counts a failed run and returns its Failure.
func (r *Retriever) fail(log *slog.Logger, spec Spec, f *Failure) error {
	log.Error("retrieval failed",
		"kind", kindLabel(f.Kind),
		"succeeded", f.Succeeded,
		"requested", f.Requested,
		"error", f.Reason,
	)
	if m := metrics.Get(); m != nil {
		m.IncRetrievalsFailed(metrics.Labels{
			Model:  spec.Model,
			Mode:   string(spec.mode()),
			Reason: kindLabel(f.Kind),
		})
	}
	return f
}

// recordCatalog writes the lineage row for a completed run.
func (r *Retriever) recordCatalog(ctx context.Context, spec Spec, ds *dataset.Dataset, runID string, succeeded, requested int, bytes int64) error {
	id, err := r.catalog.EnsureDataset(ctx, catalog.DatasetInfo{
		Model:       spec.Model,
		Product:     spec.Product,
		Description: fmt.Sprintf("%s %s fields from %s", spec.Model, spec.Pattern, spec.Product),
	})
	if err != nil {
		return err
	}
	if id == 0 {
		// Catalog disabled.
		return nil
	}

	cycleStart, cycleEnd := spec.Cycle, spec.Cycle
	if spec.mode() == ModeNowcast {
		cycleStart, cycleEnd = spec.Start, spec.Stop
	}
	var timeStart, timeEnd time.Time
	if ds.Len() > 0 {
		timeStart, timeEnd = ds.Times[0], ds.Times[0]
		for _, t := range ds.Times[1:] {
			if t.Before(timeStart) {
				timeStart = t
			}
			if t.After(timeEnd) {
				timeEnd = t
			}
		}
	}

	return r.catalog.RecordRetrieval(ctx, catalog.RetrievalRecord{
		DatasetID:       id,
		RetrievalID:     runID,
		Mode:            string(spec.mode()),
		Pattern:         spec.Pattern,
		CycleStart:      cycleStart,
		CycleEnd:        cycleEnd,
		TimeStart:       timeStart,
		TimeEnd:         timeEnd,
		Timesteps:       ds.Len(),
		Variables:       ds.Names(),
		UnitsRequested:  requested,
		UnitsSucceeded:  succeeded,
		ByteSize:        bytes,
		ProducerVersion: "nwp-fetch@" + Version,
		ProducerGitSHA:  GitSHA,
	})
}

// orderSources reorders the configured sources to the spec's priority list.
// An empty list keeps the configured order.
func orderSources(all []source.Source, priority []string) ([]source.Source, error) {
	if len(priority) == 0 {
		return all, nil
	}
	byName := make(map[string]source.Source, len(all))
	names := make([]string, 0, len(all))
	for _, s := range all {
		byName[s.Name()] = s
		names = append(names, s.Name())
	}
	ordered := make([]source.Source, 0, len(priority))
	for _, name := range priority {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown source %q (configured: %s)",
				ErrInvalidRangeSpec, name, strings.Join(names, ", "))
		}
		ordered = append(ordered, s)
	}
	return ordered, nil
}

// failureLabel classifies a unit failure for grouping and metrics.
func failureLabel(err error) string {
	var resErr *ResolutionError
	switch {
	case errors.As(err, &resErr):
		return "unresolved"
	case errors.Is(err, grib.ErrDecode):
		return "decode"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "fetch"
	}
}

// dominantError picks the most common failure among units, for the
// single-error summary a failed run reports.
func dominantError(failures []error) error {
	if len(failures) == 0 {
		return nil
	}
	counts := make(map[string]int)
	samples := make(map[string]error)
	for _, err := range failures {
		label := failureLabel(err)
		counts[label]++
		if _, ok := samples[label]; !ok {
			samples[label] = err
		}
	}
	best := ""
	for label, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && label < best) {
			best = label
		}
	}
	if counts[best] == len(failures) {
		return fmt.Errorf("all %d failed units: %w", len(failures), samples[best])
	}
	return fmt.Errorf("%d of %d failed units: %w", counts[best], len(failures), samples[best])
}

// kindLabel names a failure kind for logs and metric labels.
func kindLabel(kind error) string {
	var gridErr *dataset.InconsistentGridError
	switch {
	case errors.Is(kind, ErrRetrievalTimeout):
		return "timeout"
	case errors.Is(kind, ErrNoMatchingVariable):
		return "no_match"
	case errors.Is(kind, ErrEmptyRetrieval):
		return "empty"
	case errors.Is(kind, ErrIncompleteHorizon):
		return "incomplete_horizon"
	case errors.As(kind, &gridErr):
		return "inconsistent_grid"
	default:
		return "assemble"
	}
}

// availableNames renders the union of variable names seen across units,
// capped so error messages stay readable.
func availableNames(set map[string]bool) string {
	if len(set) == 0 {
		return "(no variables listed)"
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	const limit = 20
	if len(names) > limit {
		extra := len(names) - limit
		return strings.Join(names[:limit], ", ") + fmt.Sprintf(" and %d more", extra)
	}
	return strings.Join(names, ", ")
}

// unitFileName names a cached download within its cycle/source directory.
func unitFileName(product string, lead int) string {
	if product == "" {
		return fmt.Sprintf("f%03d.grib2", lead)
	}
	return fmt.Sprintf("%s.f%03d.grib2", product, lead)
}
