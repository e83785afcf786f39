// Harrier - declarative refinement for marketing data warehouses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/openmarketing/harrier/internal/bus"
	"github.com/openmarketing/harrier/internal/cache"
	"github.com/openmarketing/harrier/internal/domain"
	"github.com/openmarketing/harrier/internal/pipeline"
	"github.com/openmarketing/harrier/internal/query"
	"github.com/openmarketing/harrier/internal/registry"
	"github.com/openmarketing/harrier/internal/warehouse"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := loadConfig()
	setupLogging(cfg.Logging)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"project", cfg.Warehouse.ProjectID,
		"dataset", cfg.Warehouse.Dataset,
		"registry", cfg.Registry.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Registry
	reg, err := registry.New(cfg.Registry)
	if err != nil {
		slog.Error("failed to initialize registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()
	slog.Info("registry initialized", "driver", cfg.Registry.Driver)

	if cfg.Registry.DefinitionsDir != "" {
		if err := seedDefinitions(ctx, reg, cfg.Registry.DefinitionsDir); err != nil {
			slog.Error("failed to seed definitions", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Warehouse
	if cfg.Warehouse.ProjectID == "" {
		slog.Error("HARRIER_PROJECT_ID is required")
		os.Exit(1)
	}
	wh, err := warehouse.NewBigQuery(ctx, cfg.Warehouse.ProjectID, cfg.Warehouse.Location)
	if err != nil {
		slog.Error("failed to initialize warehouse", "error", err)
		os.Exit(1)
	}
	defer wh.Close()
	slog.Info("warehouse initialized", "project", cfg.Warehouse.ProjectID, "location", cfg.Warehouse.Location)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	runner := pipeline.NewRunner(wh, reg, cacheImpl, busImpl, pipeline.Config{
		Dataset:      cfg.Warehouse.Dataset,
		MaxWorkers:   cfg.Pipeline.MaxWorkers,
		QueryTimeout: cfg.Pipeline.QueryTimeout,
	})

	opts := runOptions()
	interval := runInterval()

	// One-shot by default; HARRIER_RUN_INTERVAL turns it into a scheduler.
	if interval <= 0 {
		summary, err := runner.RunAll(ctx, opts)
		if err != nil {
			slog.Error("refinement run failed", "error", err)
			os.Exit(1)
		}
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	slog.Info("harrier is ready", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := runner.RunAll(ctx, opts); err != nil {
			slog.Error("refinement run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("harrier shutdown complete")
			return
		case <-ticker.C:
		}
	}
}

// loadConfig builds the configuration from defaults plus environment
// overrides. HARRIER_ENV=production switches to the shared-deployment
// profile before overrides apply.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("HARRIER_ENV") == "production" {
		cfg = domain.ProductionConfig()
	}

	if v := os.Getenv("HARRIER_PROJECT_ID"); v != "" {
		cfg.Warehouse.ProjectID = v
	}
	if v := os.Getenv("HARRIER_DATASET"); v != "" {
		cfg.Warehouse.Dataset = v
	}
	if v := os.Getenv("HARRIER_LOCATION"); v != "" {
		cfg.Warehouse.Location = v
	}
	if v := os.Getenv("HARRIER_DEFINITIONS_DIR"); v != "" {
		cfg.Registry.DefinitionsDir = v
	}
	if v := os.Getenv("HARRIER_SQLITE_PATH"); v != "" {
		cfg.Registry.SQLitePath = v
	}
	if v := os.Getenv("HARRIER_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("HARRIER_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("HARRIER_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.MaxWorkers = n
		}
	}
	if os.Getenv("HARRIER_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func setupLogging(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func seedDefinitions(ctx context.Context, reg domain.Registry, dir string) error {
	bundle, err := registry.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load definitions from %s: %w", dir, err)
	}
	return registry.Seed(ctx, reg, bundle)
}

// runOptions reads per-run report options from the environment.
func runOptions() query.Options {
	opts := query.Options{TimeGrain: query.GrainTotal}
	if os.Getenv("HARRIER_TIME_GRAIN") == "daily" {
		opts.TimeGrain = query.GrainDaily
	}
	return opts
}

func runInterval() time.Duration {
	v := os.Getenv("HARRIER_RUN_INTERVAL")
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid HARRIER_RUN_INTERVAL, running once", "value", v)
		return 0
	}
	return d
}
