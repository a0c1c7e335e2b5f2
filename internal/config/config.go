// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package config provides centralized configuration for Donorcast.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml)
//  3. Environment variables (DATABASE_PATH, DATASET_NAME, ...)
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Dataset  DatasetConfig  `koanf:"dataset"`
	Sync     SyncConfig     `koanf:"sync"`
	Refresh  RefreshConfig  `koanf:"refresh"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DatabaseConfig holds DuckDB settings for the stream and dataset store.
type DatabaseConfig struct {
	// Path is the DuckDB database file holding the event stream and the
	// materialized datasets.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB memory usage (e.g. "2GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads sets DuckDB's thread count; 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`

	// PreserveInsertionOrder keeps DuckDB's default result ordering.
	// Disabling reduces memory usage for large scans.
	PreserveInsertionOrder bool `koanf:"preserve_insertion_order"`
}

// DatasetConfig describes the derived dataset and the labeling rule.
type DatasetConfig struct {
	// Name is the materialized dataset name (also its table name).
	Name string `koanf:"name"`

	// StreamTable is the table holding the append-only event stream.
	StreamTable string `koanf:"stream_table"`

	// QualifyingEventType is the event type that defines the label.
	QualifyingEventType string `koanf:"qualifying_event_type"`

	// QualifyingMinAmount is the minimum contribution amount (inclusive)
	// for an event to qualify.
	QualifyingMinAmount float64 `koanf:"qualifying_min_amount"`

	// RollbackPrefixes marks feature column families whose materialized
	// values must stay as-of the row's own timestamp.
	RollbackPrefixes []string `koanf:"rollback_prefixes"`

	// AdjustedSuffix marks retroactively corrected column variants that
	// are excluded from the dataset.
	AdjustedSuffix string `koanf:"adjusted_suffix"`

	// DataDir is the local directory receiving per-partition Parquet
	// exports, the unit of cross-storage sync.
	DataDir string `koanf:"data_dir"`
}

// SyncConfig controls propagation of the partitioned dataset to additional
// storage backends.
type SyncConfig struct {
	// Enabled turns cross-storage sync on. With no backends configured the
	// dataset only exists in the local data directory.
	Enabled bool `koanf:"enabled"`

	// Backends lists destination directories (one per storage backend).
	Backends []string `koanf:"backends"`

	// CopyRatePerSecond bounds how many partition files are copied per
	// second per backend; 0 means unlimited.
	CopyRatePerSecond float64 `koanf:"copy_rate_per_second"`
}

// RefreshConfig controls the supervised periodic incremental refresh.
type RefreshConfig struct {
	Enabled bool `koanf:"enabled"`

	// Interval is the time between incremental refresh runs.
	Interval time.Duration `koanf:"interval"`

	// Since anchors the start of the requested dataset window, as an
	// ISO-8601 date ("2015-01-01").
	Since string `koanf:"since"`
}

// SinceTime parses the Since anchor date. Validate() guarantees it parses.
func (r RefreshConfig) SinceTime() time.Time {
	t, _ := time.Parse("2006-01-02", r.Since)
	return t
}

// ServerConfig holds the metrics listener settings.
type ServerConfig struct {
	MetricsEnabled bool          `koanf:"metrics_enabled"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Timeout        time.Duration `koanf:"timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
