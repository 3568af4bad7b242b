package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/oceanum/nwp-fetch/internal/cache"
	"github.com/oceanum/nwp-fetch/internal/catalog"
	"github.com/oceanum/nwp-fetch/internal/checkpoint"
	"github.com/oceanum/nwp-fetch/internal/config"
	"github.com/oceanum/nwp-fetch/internal/dataset"
	"github.com/oceanum/nwp-fetch/internal/driver"
	"github.com/oceanum/nwp-fetch/internal/grib"
	"github.com/oceanum/nwp-fetch/internal/logging"
	"github.com/oceanum/nwp-fetch/internal/manifest"
	"github.com/oceanum/nwp-fetch/internal/metrics"
	"github.com/oceanum/nwp-fetch/internal/models"
	"github.com/oceanum/nwp-fetch/internal/retrieval"
	"github.com/oceanum/nwp-fetch/internal/source"
	"github.com/oceanum/nwp-fetch/internal/watcher"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration file")
		model       = flag.String("model", "", "model to retrieve, overrides the config")
		product     = flag.String("product", "", "product to retrieve, overrides the config")
		cycle       = flag.String("cycle", "", "forecast cycle (2006-01-02T15), overrides the config")
		pattern     = flag.String("pattern", "", "variable pattern, overrides the config")
		mode        = flag.String("mode", "", "forecast or nowcast, overrides the config")
		outputDir   = flag.String("output", "", "dataset output directory, overrides the config")
		watch       = flag.Bool("watch", false, "keep polling for new cycles instead of running once")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nwp-fetch %s (%s)\n", retrieval.Version, retrieval.GitSHA)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwp-fetch: %v\n", err)
		os.Exit(1)
	}
	if *model != "" {
		cfg.Retrieval.Model = *model
	}
	if *product != "" {
		cfg.Retrieval.Product = *product
	}
	if *cycle != "" {
		cfg.Retrieval.Cycle = *cycle
	}
	if *pattern != "" {
		cfg.Retrieval.Pattern = *pattern
	}
	if *mode != "" {
		cfg.Retrieval.Mode = *mode
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	logging.Setup(cfg.Logging)
	log := logging.Component("main")
	log.Info("nwp-fetch starting", "version", retrieval.Version, "git_sha", retrieval.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("nwp_fetch")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	registry, err := models.NewRegistry(cfg.Models)
	if err != nil {
		log.Error("invalid model configuration", "error", err)
		os.Exit(1)
	}

	store, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		log.Error("failed to open cache", "error", err)
		os.Exit(1)
	}

	srcConfigs := cfg.Sources
	if len(srcConfigs) == 0 {
		srcConfigs = source.Defaults()
	}
	sources := make([]source.Source, 0, len(srcConfigs))
	for _, sc := range srcConfigs {
		src, err := source.New(ctx, sc)
		if err != nil {
			log.Error("failed to open source", "source", sc.Name, "error", err)
			os.Exit(1)
		}
		defer src.Close()
		sources = append(sources, src)
	}

	recorder := manifest.NewRecorder(cfg.Manifest)
	defer recorder.Close()

	writer, err := catalog.NewWriter(ctx, cfg.Catalog)
	if err != nil {
		log.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer writer.Close()

	retriever := retrieval.New(registry, sources, grib.NewWGrib2(), store, retrieval.Options{
		Manifest: recorder,
		Catalog:  writer,
	})

	spec, err := cfg.Retrieval.ToSpec()
	if err != nil {
		log.Error("invalid retrieval request", "error", err)
		os.Exit(1)
	}

	if *watch || cfg.Watch.Enabled {
		if err := runWatch(ctx, cfg, registry, retriever, spec); err != nil {
			log.Error("watch failed", "error", err)
			os.Exit(1)
		}
		log.Info("nwp-fetch stopped cleanly")
		return
	}

	drivers := driver.Defaults(retriever)
	name := driver.Forecast
	if spec.Mode == retrieval.ModeNowcast {
		name = driver.Nowcast
	}
	drv, err := drivers.Lookup(name)
	if err != nil {
		log.Error("no driver for request", "error", err)
		os.Exit(1)
	}

	ds, err := drv.Open(ctx, spec)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Info("shutdown complete")
			return
		}
		log.Error("retrieval failed", "error", err)
		os.Exit(1)
	}

	path, err := writeDataset(cfg.Output.Dir, spec, ds)
	if err != nil {
		log.Error("failed to write dataset", "error", err)
		os.Exit(1)
	}
	log.Info("dataset written", "path", path, "timesteps", ds.Len(), "variables", len(ds.Names()))
}

func runWatch(ctx context.Context, cfg *config.Config, registry *models.Registry, retriever *retrieval.Retriever, spec retrieval.Spec) error {
	manager, err := checkpoint.NewManager(cfg.Checkpoint)
	if err != nil {
		return err
	}
	interval, err := cfg.Watch.IntervalDuration()
	if err != nil {
		return err
	}

	sink := func(ctx context.Context, spec retrieval.Spec, ds *dataset.Dataset) error {
		path, err := writeDataset(cfg.Output.Dir, spec, ds)
		if err != nil {
			return err
		}
		logging.Component("main").Info("dataset written", "path", path, "timesteps", ds.Len())
		return nil
	}

	w, err := watcher.New(registry, retriever, manager, spec, watcher.Options{
		Sink:     sink,
		Interval: interval,
		Backfill: cfg.Watch.Backfill,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// writeDataset serializes the dataset as Parquet under dir, named after
// the request and the first assembled valid time.
func writeDataset(dir string, spec retrieval.Spec, ds *dataset.Dataset) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	mode := spec.Mode
	if mode == "" {
		mode = retrieval.ModeForecast
	}
	parts := []string{spec.Model}
	if spec.Product != "" {
		parts = append(parts, spec.Product)
	}
	parts = append(parts, string(mode))
	if ds.Len() > 0 {
		parts = append(parts, ds.Times[0].UTC().Format("20060102T15"))
	}
	path := filepath.Join(dir, strings.Join(parts, "_")+".parquet")

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create dataset file: %w", err)
	}
	if err := dataset.WriteParquet(f, ds); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write dataset: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close dataset file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename dataset file: %w", err)
	}
	return path, nil
}
