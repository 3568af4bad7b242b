// Package manifest records what each retrieval produced: which units were
// fetched, from where, with what checksums. Records are written as JSON
// files for audit and can additionally be posted to an HTTP collector.
package manifest

import (
	"context"
	"time"

	"github.com/oceanum/nwp-fetch/internal/logging"
)

// Producer identifies the software that performed a retrieval.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// Unit records the provenance of one fetched unit.
type Unit struct {
	Cycle    time.Time `json:"cycle"`
	Lead     int       `json:"lead_hours"`
	Source   string    `json:"source"`
	File     string    `json:"file,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Fields   int       `json:"fields,omitempty"`
}

// Record is the manifest for one completed retrieval.
type Record struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Product   string    `json:"product,omitempty"`
	Mode      string    `json:"mode"`
	Pattern   string    `json:"pattern"`
	Requested int       `json:"requested_units"`
	Succeeded int       `json:"succeeded_units"`
	Timesteps int       `json:"timesteps"`
	Duration  float64   `json:"duration_seconds"`
	Variables []string  `json:"variables"`
	Units     []Unit    `json:"units"`
	Producer  Producer  `json:"producer"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder persists retrieval manifests.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// Config selects and configures the recorder backend.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
}

// NewRecorder creates a recorder for the configuration. Disabled or
// unusable configurations degrade to a no-op recorder so manifest problems
// never block retrievals.
func NewRecorder(cfg Config) Recorder {
	log := logging.Component("manifest")
	if !cfg.Enabled {
		return &noopRecorder{}
	}
	if cfg.Endpoint != "" {
		log.Info("posting manifests", "endpoint", cfg.Endpoint)
		return newHTTPRecorder(cfg)
	}
	rec, err := newFileRecorder(cfg.Dir)
	if err != nil {
		log.Warn("file recorder unavailable, manifests disabled", "error", err)
		return &noopRecorder{}
	}
	log.Info("writing manifests", "dir", rec.dir)
	return rec
}

// noopRecorder discards all records.
type noopRecorder struct{}

func (n *noopRecorder) Record(_ context.Context, _ Record) error { return nil }

func (n *noopRecorder) Close() error { return nil }
