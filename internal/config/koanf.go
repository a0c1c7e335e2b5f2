// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/donorcast/config.yaml",
	"/etc/donorcast/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:                   "/data/donorcast.duckdb",
			MaxMemory:              "2GB",
			Threads:                0, // 0 = runtime.NumCPU()
			PreserveInsertionOrder: true,
		},
		Dataset: DatasetConfig{
			Name:                "contribution_dataset",
			StreamTable:         "contribution_events",
			QualifyingEventType: "Contribution",
			QualifyingMinAmount: 50,
			RollbackPrefixes:    []string{"contribution", "ticket"},
			AdjustedSuffix:      "Adj",
			DataDir:             "/data/datasets",
		},
		Sync: SyncConfig{
			Enabled:           false, // opt-in: no remote backends by default
			Backends:          []string{},
			CopyRatePerSecond: 0, // unlimited
		},
		Refresh: RefreshConfig{
			Enabled:  false, // one-shot materialization by default
			Interval: 24 * time.Hour,
			Since:    "2000-01-01",
		},
		Server: ServerConfig{
			MetricsEnabled: false,
			Host:           "0.0.0.0",
			Port:           9105,
			Timeout:        30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//
//  1. Defaults: built-in values from defaultConfig
//  2. Config file: optional YAML (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment variables: DATABASE_PATH -> database.path, etc.
//
// The returned Config has passed Validate().
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file, honoring CONFIG_PATH first.
// Returns empty string if none is found (the file layer is optional).
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceFields lists koanf paths that accept comma-separated values from the
// environment (SYNC_BACKENDS="/mnt/a,/mnt/b").
var sliceFields = []string{
	"sync.backends",
	"dataset.rollback_prefixes",
}

// processSliceFields re-reads slice-typed paths that arrived from the
// environment as a single comma-separated string.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok {
			continue // already a slice (defaults or YAML)
		}
		parts := strings.Split(s, ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// configSections are the top-level koanf namespaces. Environment variables
// are mapped by section prefix: DATASET_STREAM_TABLE -> dataset.stream_table.
var configSections = []string{
	"database", "dataset", "sync", "refresh", "server", "logging",
}

// envTransformFunc converts environment variable names to koanf paths.
// Variables that don't start with a known section prefix are ignored, which
// keeps unrelated environment noise out of the configuration tree.
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)
	for _, section := range configSections {
		prefix := section + "_"
		if strings.HasPrefix(lower, prefix) {
			return section + "." + strings.TrimPrefix(lower, prefix)
		}
	}
	return ""
}
