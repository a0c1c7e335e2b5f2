// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package main is the entry point for the Donorcast pipeline.
//
// Donorcast derives a labeled, right-censored training dataset from an
// append-only donor contribution/ticketing event stream, persists it as a
// year-partitioned DuckDB/Parquet cache, and synchronizes the partition
// set to configured storage backends.
//
// # Modes
//
// One-shot (default): materialize the configured window once, print the
// resulting row count, exit. Incremental by default; set REBUILD=force for
// a full rebuild or REBUILD=read_only to only read the existing cache.
//
// Supervised (REFRESH_ENABLED=true): a suture-supervised service refreshes
// the dataset every REFRESH_INTERVAL, with an optional Prometheus /metrics
// listener (SERVER_METRICS_ENABLED=true).
//
// # Configuration
//
// Loaded via Koanf v2 (defaults, optional config.yaml, environment):
//
//	DATABASE_PATH=/data/donorcast.duckdb
//	DATASET_NAME=contribution_dataset
//	DATASET_STREAM_TABLE=contribution_events
//	SYNC_ENABLED=true SYNC_BACKENDS=/mnt/warm,/mnt/cold
//	REFRESH_ENABLED=true REFRESH_SINCE=2015-01-01 REFRESH_INTERVAL=24h
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context; the supervisor drains
// services before exit. A run killed mid-write leaves the previously
// synced cache state intact.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/dataset"
	"github.com/donorcast/donorcast/internal/logging"
	"github.com/donorcast/donorcast/internal/refresher"
	"github.com/donorcast/donorcast/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger: config (and its logging settings) unavailable
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("dataset", cfg.Dataset.Name).
		Str("stream", cfg.Dataset.StreamTable).
		Bool("sync", cfg.Sync.Enabled).
		Msg("Starting Donorcast")

	store, err := storage.Open(&cfg.Database, cfg.Dataset.DataDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var syncer *storage.Syncer
	if cfg.Sync.Enabled {
		syncer = storage.NewSyncer(cfg.Sync, cfg.Dataset.DataDir)
	}

	facade, err := dataset.New(ctx, store, syncer, cfg.Dataset)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build dataset facade")
	}

	if !cfg.Refresh.Enabled {
		if err := runOnce(ctx, facade, cfg); err != nil {
			logging.Fatal().Err(err).Msg("Materialization failed")
		}
		return
	}

	runSupervised(ctx, facade, cfg)
}

// runOnce materializes the configured window a single time and prints the
// resulting row count.
func runOnce(ctx context.Context, facade *dataset.Facade, cfg *config.Config) error {
	mode := rebuildModeFromEnv()
	since := cfg.Refresh.SinceTime()
	until := time.Now().UTC()

	handle, err := facade.Get(ctx, since, until, mode)
	if err != nil {
		return err
	}
	rows, err := handle.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("dataset %s: %d rows in [%s, %s)\n",
		cfg.Dataset.Name, rows, since.Format("2006-01-02"), until.Format("2006-01-02"))
	return nil
}

// rebuildModeFromEnv maps the REBUILD environment variable onto the
// facade's tri-state flag. Unset means auto-incremental.
func rebuildModeFromEnv() dataset.RebuildMode {
	switch strings.ToLower(os.Getenv("REBUILD")) {
	case "force", "true":
		return dataset.ModeForce
	case "read_only", "false":
		return dataset.ModeReadOnly
	default:
		return dataset.ModeAuto
	}
}

// runSupervised runs the periodic refresher (and the optional metrics
// listener) under a suture supervisor until the context is canceled.
func runSupervised(ctx context.Context, facade *dataset.Facade, cfg *config.Config) {
	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	root := suture.New("donorcast", suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   10 * time.Second,
	})

	root.Add(refresher.New(cfg.Dataset.Name, facade, cfg.Refresh.SinceTime(), cfg.Refresh.Interval))

	if cfg.Server.MetricsEnabled {
		root.Add(newMetricsService(&cfg.Server))
	}

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor stopped")
	}
	logging.Info().Msg("Shutdown complete")
}

// metricsService serves Prometheus metrics as a suture service.
type metricsService struct {
	cfg *config.ServerConfig
}

func newMetricsService(cfg *config.ServerConfig) *metricsService {
	return &metricsService{cfg: cfg}
}

func (m *metricsService) String() string {
	return "metrics-server"
}

// Serve runs the HTTP listener until the context is canceled.
func (m *metricsService) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port),
		Handler:      r,
		ReadTimeout:  m.cfg.Timeout,
		WriteTimeout: m.cfg.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.Info().Str("addr", srv.Addr).Msg("Metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
