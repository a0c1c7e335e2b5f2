// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	minPort = 1
	maxPort = 65535

	minRefreshInterval = time.Minute
)

// Validate checks the loaded configuration for internal consistency.
// It fails fast on the first problem so startup errors stay readable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateDatabase,
		c.validateDataset,
		c.validateSync,
		c.validateRefresh,
		c.validateServer,
		c.validateLogging,
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}
	return nil
}

// validateDatabase validates DuckDB settings.
func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("DATABASE_THREADS must not be negative")
	}
	if c.Database.MaxMemory == "" {
		return fmt.Errorf("DATABASE_MAX_MEMORY is required (e.g. \"2GB\")")
	}
	return nil
}

// validateDataset validates the dataset definition and labeling rule.
func (c *Config) validateDataset() error {
	if c.Dataset.Name == "" {
		return fmt.Errorf("DATASET_NAME is required")
	}
	if c.Dataset.StreamTable == "" {
		return fmt.Errorf("DATASET_STREAM_TABLE is required")
	}
	if c.Dataset.Name == c.Dataset.StreamTable {
		return fmt.Errorf("DATASET_NAME must differ from DATASET_STREAM_TABLE")
	}
	if c.Dataset.QualifyingEventType == "" {
		return fmt.Errorf("DATASET_QUALIFYING_EVENT_TYPE is required")
	}
	if c.Dataset.QualifyingMinAmount < 0 {
		return fmt.Errorf("DATASET_QUALIFYING_MIN_AMOUNT must not be negative")
	}
	if c.Dataset.DataDir == "" {
		return fmt.Errorf("DATASET_DATA_DIR is required")
	}
	for _, prefix := range c.Dataset.RollbackPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("DATASET_ROLLBACK_PREFIXES must not contain empty entries")
		}
	}
	return nil
}

// validateSync validates sync backends (only if enabled).
func (c *Config) validateSync() error {
	if !c.Sync.Enabled {
		return nil
	}
	if len(c.Sync.Backends) == 0 {
		return fmt.Errorf("SYNC_BACKENDS is required when sync is enabled")
	}
	seen := make(map[string]struct{}, len(c.Sync.Backends))
	for _, backend := range c.Sync.Backends {
		if strings.TrimSpace(backend) == "" {
			return fmt.Errorf("SYNC_BACKENDS must not contain empty entries")
		}
		if _, dup := seen[backend]; dup {
			return fmt.Errorf("SYNC_BACKENDS contains duplicate entry %q", backend)
		}
		seen[backend] = struct{}{}
	}
	if c.Sync.CopyRatePerSecond < 0 {
		return fmt.Errorf("SYNC_COPY_RATE_PER_SECOND must not be negative")
	}
	return nil
}

// validateRefresh validates the periodic refresh settings (only if enabled).
func (c *Config) validateRefresh() error {
	if c.Refresh.Since != "" {
		if _, err := time.Parse("2006-01-02", c.Refresh.Since); err != nil {
			return fmt.Errorf("REFRESH_SINCE must be an ISO-8601 date (2006-01-02): %w", err)
		}
	}
	if !c.Refresh.Enabled {
		return nil
	}
	if c.Refresh.Interval < minRefreshInterval {
		return fmt.Errorf("REFRESH_INTERVAL must be at least 1m")
	}
	if c.Refresh.Since == "" {
		return fmt.Errorf("REFRESH_SINCE is required when refresh is enabled")
	}
	return nil
}

// validateServer validates the metrics listener settings.
func (c *Config) validateServer() error {
	if !c.Server.MetricsEnabled {
		return nil
	}
	if c.Server.Port < minPort || c.Server.Port > maxPort {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	return nil
}

// validateLogging validates log settings.
func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOGGING_LEVEL must be one of trace, debug, info, warn, error, fatal, panic, disabled")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOGGING_FORMAT must be json or console")
	}
	return nil
}
