// Package catalog records dataset lineage in a PostgreSQL catalog: one row
// per retrieval, linked to a (model, product) dataset entry. The catalog is
// optional; when disabled every write is a no-op.
package catalog

import (
	"context"
	"time"
)

// Config selects and configures the catalog backend.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DatasetInfo identifies a dataset entry.
type DatasetInfo struct {
	Model       string
	Product     string
	Description string
}

// RetrievalRecord is the lineage row for one completed retrieval.
type RetrievalRecord struct {
	DatasetID       int64
	RetrievalID     string
	Mode            string
	Pattern         string
	CycleStart      time.Time
	CycleEnd        time.Time
	TimeStart       time.Time
	TimeEnd         time.Time
	Timesteps       int
	Variables       []string
	UnitsRequested  int
	UnitsSucceeded  int
	ByteSize        int64
	ProducerVersion string
	ProducerGitSHA  string
}

// Writer persists dataset and lineage records.
type Writer interface {
	// EnsureDataset registers or retrieves the dataset entry and returns
	// its ID.
	EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error)

	// RecordRetrieval writes one lineage row. Re-recording the same
	// retrieval ID is an upsert, so retries are safe.
	RecordRetrieval(ctx context.Context, rec RetrievalRecord) error

	Close() error
}

// NewWriter creates a writer for the configuration. A disabled catalog
// yields a no-op writer and no error.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if !cfg.Enabled || cfg.PostgresDSN == "" {
		return NewNoop(), nil
	}
	return newPostgresWriter(ctx, cfg)
}

// NewNoop returns a writer that discards every record.
func NewNoop() Writer {
	return noopWriter{}
}

type noopWriter struct{}

func (noopWriter) EnsureDataset(_ context.Context, _ DatasetInfo) (int64, error) {
	return 0, nil
}

func (noopWriter) RecordRetrieval(_ context.Context, _ RetrievalRecord) error {
	return nil
}

func (noopWriter) Close() error { return nil }
