// Package metrics provides Prometheus metrics for the retrieval engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the retrieval engine.
type Metrics struct {
	// Retrieval metrics
	RetrievalsCompleted *prometheus.CounterVec
	RetrievalsFailed    *prometheus.CounterVec
	RetrievalDuration   *prometheus.HistogramVec
	AssembledTimesteps  *prometheus.HistogramVec

	// Fetch unit metrics
	UnitsResolved *prometheus.CounterVec
	UnitsFailed   *prometheus.CounterVec

	// Source metrics
	SourceAttempts *prometheus.CounterVec
	SourceFailures *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	FetchBytes     *prometheus.HistogramVec
	RetryAttempts  *prometheus.CounterVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightUnits    prometheus.Gauge

	// Watch mode
	LastCycle *prometheus.GaugeVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // listen address, e.g. ":9090"
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "nwp_fetch"
	}

	m := &Metrics{
		RetrievalsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrievals_completed_total",
				Help:      "Total number of retrievals that produced a dataset",
			},
			[]string{"model", "mode"},
		),
		RetrievalsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrievals_failed_total",
				Help:      "Total number of retrievals that failed",
			},
			[]string{"model", "mode", "reason"},
		),
		RetrievalDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieval_duration_seconds",
				Help:      "End-to-end retrieval time including assembly",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
			},
			[]string{"model", "mode"},
		),
		AssembledTimesteps: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "assembled_timesteps",
				Help:      "Number of timesteps in the assembled dataset",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1 to ~1k
			},
			[]string{"model", "mode"},
		),
		UnitsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_resolved_total",
				Help:      "Total number of fetch units resolved to a local file",
			},
			[]string{"model", "source"},
		),
		UnitsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_failed_total",
				Help:      "Total number of fetch units that exhausted every source",
			},
			[]string{"model"},
		),
		SourceAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_attempts_total",
				Help:      "Total number of per-source fetch attempts",
			},
			[]string{"model", "source"},
		),
		SourceFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_failures_total",
				Help:      "Total number of per-source fetch failures by reason",
			},
			[]string{"model", "source", "reason"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to download one unit from one source",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
			},
			[]string{"model", "source"},
		),
		FetchBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_bytes",
				Help:      "Bytes downloaded per resolved unit",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to ~128MB
			},
			[]string{"model", "source"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of transport retry attempts",
			},
			[]string{"model", "source"},
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of units in the worker queue",
			},
		),
		InFlightUnits: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_units",
				Help:      "Number of units currently being fetched",
			},
		),
		LastCycle: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time of the last completed cycle (watch mode)",
			},
			[]string{"model", "product"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Model   string
	Mode    string
	Source  string
	Reason  string
	Product string
}

// IncRetrievalsCompleted increments the completed retrievals counter.
func (m *Metrics) IncRetrievalsCompleted(l Labels) {
	m.RetrievalsCompleted.WithLabelValues(l.Model, l.Mode).Inc()
}

// IncRetrievalsFailed increments the failed retrievals counter.
func (m *Metrics) IncRetrievalsFailed(l Labels) {
	m.RetrievalsFailed.WithLabelValues(l.Model, l.Mode, l.Reason).Inc()
}

// ObserveRetrievalDuration records the end-to-end retrieval time.
func (m *Metrics) ObserveRetrievalDuration(l Labels, seconds float64) {
	m.RetrievalDuration.WithLabelValues(l.Model, l.Mode).Observe(seconds)
}

// ObserveAssembledTimesteps records the assembled dataset length.
func (m *Metrics) ObserveAssembledTimesteps(l Labels, steps float64) {
	m.AssembledTimesteps.WithLabelValues(l.Model, l.Mode).Observe(steps)
}

// IncUnitsResolved increments the resolved units counter.
func (m *Metrics) IncUnitsResolved(l Labels) {
	m.UnitsResolved.WithLabelValues(l.Model, l.Source).Inc()
}

// IncUnitsFailed increments the failed units counter.
func (m *Metrics) IncUnitsFailed(l Labels) {
	m.UnitsFailed.WithLabelValues(l.Model).Inc()
}

// IncSourceAttempts increments the per-source attempt counter.
func (m *Metrics) IncSourceAttempts(l Labels) {
	m.SourceAttempts.WithLabelValues(l.Model, l.Source).Inc()
}

// IncSourceFailures increments the per-source failure counter.
func (m *Metrics) IncSourceFailures(l Labels) {
	m.SourceFailures.WithLabelValues(l.Model, l.Source, l.Reason).Inc()
}

// ObserveFetchDuration records the download time for one unit.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Model, l.Source).Observe(seconds)
}

// ObserveFetchBytes records the bytes downloaded for one unit.
func (m *Metrics) ObserveFetchBytes(l Labels, bytes float64) {
	m.FetchBytes.WithLabelValues(l.Model, l.Source).Observe(bytes)
}

// IncRetryAttempts increments the transport retry counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Model, l.Source).Inc()
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetInFlightUnits sets the number of in-flight units.
func (m *Metrics) SetInFlightUnits(count float64) {
	m.InFlightUnits.Set(count)
}

// SetLastCycle records the last completed cycle time.
func (m *Metrics) SetLastCycle(l Labels, unixSeconds float64) {
	m.LastCycle.WithLabelValues(l.Model, l.Product).Set(unixSeconds)
}
