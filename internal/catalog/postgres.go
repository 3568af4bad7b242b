package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanum/nwp-fetch/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// postgresWriter implements Writer against PostgreSQL via pgxpool.
type postgresWriter struct {
	pool *pgxpool.Pool

	mu           sync.RWMutex
	datasetCache map[string]int64
}

func newPostgresWriter(ctx context.Context, cfg Config) (*postgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse catalog DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create catalog pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	w := &postgresWriter{
		pool:         pool,
		datasetCache: make(map[string]int64),
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}

	logging.Component("catalog").Info("connected to postgres catalog")
	return w, nil
}

// EnsureDataset registers or retrieves a dataset entry, caching IDs so
// repeated runs for the same model/product hit the database once.
func (w *postgresWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	key := info.Model + "/" + info.Product
	w.mu.RLock()
	if id, ok := w.datasetCache[key]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	const query = `
		INSERT INTO nwp_datasets (model, product, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (model, product)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`
	var id int64
	if err := w.pool.QueryRow(ctx, query, info.Model, info.Product, info.Description).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[key] = id
	w.mu.Unlock()
	return id, nil
}

// RecordRetrieval writes one lineage row keyed by the retrieval ID.
func (w *postgresWriter) RecordRetrieval(ctx context.Context, rec RetrievalRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}

	const query = `
		INSERT INTO nwp_retrievals (
			dataset_id, retrieval_id, mode, pattern,
			cycle_start, cycle_end, time_start, time_end,
			timesteps, variables, units_requested, units_succeeded,
			byte_size, producer_version, producer_git_sha
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (retrieval_id)
		DO UPDATE SET
			timesteps = EXCLUDED.timesteps,
			units_succeeded = EXCLUDED.units_succeeded,
			byte_size = EXCLUDED.byte_size,
			created_at = NOW()
	`
	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.RetrievalID,
		rec.Mode,
		rec.Pattern,
		rec.CycleStart.UTC(),
		rec.CycleEnd.UTC(),
		rec.TimeStart.UTC(),
		rec.TimeEnd.UTC(),
		rec.Timesteps,
		rec.Variables,
		rec.UnitsRequested,
		rec.UnitsSucceeded,
		rec.ByteSize,
		rec.ProducerVersion,
		rec.ProducerGitSHA,
	)
	if err != nil {
		return fmt.Errorf("record retrieval %s: %w", rec.RetrievalID, err)
	}
	return nil
}

func (w *postgresWriter) Close() error {
	w.pool.Close()
	return nil
}
