// Package config loads the engine's YAML configuration and applies
// environment overrides for the knobs that differ between deployments.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oceanum/nwp-fetch/internal/catalog"
	"github.com/oceanum/nwp-fetch/internal/checkpoint"
	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/manifest"
	"github.com/oceanum/nwp-fetch/internal/metrics"
	"github.com/oceanum/nwp-fetch/internal/models"
	"github.com/oceanum/nwp-fetch/internal/retrieval"
	"github.com/oceanum/nwp-fetch/internal/source"
)

const cycleLayout = "2006-01-02T15"

// Config is the root configuration.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Metrics metrics.Config `yaml:"metrics"`
	Cache   CacheConfig    `yaml:"cache"`

	// Models extends the built-in registry (hrrr, gfs, nam) with extra
	// models, or overrides their cadence parameters by name.
	Models []models.Model `yaml:"models"`

	// Sources lists the archives to fetch from, in priority order.
	// Empty means the built-in NOAA open-data archives.
	Sources []source.Config `yaml:"sources"`

	Manifest   manifest.Config   `yaml:"manifest"`
	Catalog    catalog.Config    `yaml:"catalog"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	Watch      WatchConfig       `yaml:"watch"`
	Output     OutputConfig      `yaml:"output"`

	// Retrieval is the request template. The command line can override
	// its model, cycle and pattern per invocation.
	Retrieval Request `yaml:"retrieval"`
}

// CacheConfig locates the scratch directory downloads land in.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// OutputConfig locates the directory assembled datasets are written to.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// WatchConfig tunes continuous mode.
type WatchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	Backfill int    `yaml:"backfill"`
}

// IntervalDuration parses the poll interval. Empty means the watcher's
// default.
func (w WatchConfig) IntervalDuration() (time.Duration, error) {
	if w.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(w.Interval)
	if err != nil {
		return 0, fmt.Errorf("watch interval %q: %w", w.Interval, err)
	}
	return d, nil
}

// Request is the YAML form of a retrieval spec. Cycles arrive as
// strings ("2023-11-22T06" or RFC3339) and the timeout as a Go
// duration; ToSpec converts them.
type Request struct {
	Mode       string            `yaml:"mode"`
	Model      string            `yaml:"model"`
	Product    string            `yaml:"product"`
	Cycle      string            `yaml:"cycle"`
	Leads      LeadsConfig       `yaml:"leads"`
	Stepback   int               `yaml:"stepback"`
	Start      string            `yaml:"start"`
	Stop       string            `yaml:"stop"`
	CycleStep  int               `yaml:"cycle_step"`
	TimeStep   int               `yaml:"time_step"`
	Pattern    string            `yaml:"pattern"`
	Rename     map[string]string `yaml:"rename"`
	Sorted     *bool             `yaml:"sorted"` // default true
	Duplicates string            `yaml:"duplicates"`
	Priority   []string          `yaml:"priority"`
	MaxThreads int               `yaml:"max_threads"`
	Timeout    string            `yaml:"timeout"`
	KeepFiles  bool              `yaml:"keep_files"`
}

// LeadsConfig is an inclusive lead-hour range.
type LeadsConfig struct {
	Start int `yaml:"start"`
	Stop  int `yaml:"stop"`
	Step  int `yaml:"step"`
}

// ToSpec converts the request into a retrieval spec. Shape checks
// beyond parsing are left to the spec's own validation.
func (r Request) ToSpec() (retrieval.Spec, error) {
	spec := retrieval.Spec{
		Mode:       retrieval.Mode(r.Mode),
		Model:      r.Model,
		Product:    r.Product,
		Leads:      retrieval.LeadRange{Start: r.Leads.Start, Stop: r.Leads.Stop, Step: r.Leads.Step},
		Stepback:   r.Stepback,
		CycleStep:  r.CycleStep,
		TimeStep:   r.TimeStep,
		Pattern:    r.Pattern,
		Rename:     r.Rename,
		Sorted:     r.Sorted == nil || *r.Sorted,
		Priority:   r.Priority,
		MaxThreads: r.MaxThreads,
		KeepFiles:  r.KeepFiles,
	}

	var err error
	if spec.Cycle, err = ParseTime(r.Cycle); err != nil {
		return retrieval.Spec{}, fmt.Errorf("cycle: %w", err)
	}
	if spec.Start, err = ParseTime(r.Start); err != nil {
		return retrieval.Spec{}, fmt.Errorf("start: %w", err)
	}
	if spec.Stop, err = ParseTime(r.Stop); err != nil {
		return retrieval.Spec{}, fmt.Errorf("stop: %w", err)
	}

	switch r.Duplicates {
	case "":
	case string(dataset.LatestCycle), string(dataset.EarliestCycle):
		spec.Duplicates = dataset.DuplicatePolicy(r.Duplicates)
	default:
		return retrieval.Spec{}, fmt.Errorf("duplicates policy %q (want %s or %s)",
			r.Duplicates, dataset.LatestCycle, dataset.EarliestCycle)
	}

	if r.Timeout != "" {
		if spec.Timeout, err = time.ParseDuration(r.Timeout); err != nil {
			return retrieval.Spec{}, fmt.Errorf("timeout %q: %w", r.Timeout, err)
		}
	}
	return spec, nil
}

// ParseTime reads a cycle timestamp. Accepted layouts are the cycle
// form 2006-01-02T15, RFC3339 and a bare date. Empty means unset.
func ParseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{cycleLayout, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want %s or RFC3339)", v, cycleLayout)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logging: logging.Config{Format: "json", Level: "info"},
		Metrics: metrics.Config{Enabled: true, Address: ":9090"},
		Cache:   CacheConfig{Dir: "./cache"},
		Watch:   WatchConfig{Interval: "5m", Backfill: 1},
		Output:  OutputConfig{Dir: "./datasets"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path loads defaults and environment
// only. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv fills the values that usually ride the environment rather
// than the config file, credentials in particular.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NWP_FETCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NWP_FETCH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("NWP_FETCH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("NWP_FETCH_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("NWP_FETCH_CATALOG_DSN"); v != "" {
		cfg.Catalog.PostgresDSN = v
	}
	if v := os.Getenv("NWP_FETCH_MANIFEST_ENDPOINT"); v != "" {
		cfg.Manifest.Endpoint = v
	}
	if v := os.Getenv("NWP_FETCH_MANIFEST_TOKEN"); v != "" {
		cfg.Manifest.AuthToken = v
	}
}

func (c *Config) validate() error {
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log format %q (want json or text)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q (want debug, info, warn or error)", c.Logging.Level)
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./cache"
	}
	if _, err := c.Watch.IntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Retrieval.ToSpec(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	return nil
}
