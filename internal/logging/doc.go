// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package logging provides centralized zerolog-based structured logging
// for Donorcast.
//
// The package provides:
//   - Zero-allocation structured logging via zerolog
//   - JSON output format for production (machine-parseable)
//   - Console output format for development (human-readable)
//   - Context-aware logging with run ID propagation
//   - slog adapter for Suture v4 supervision logging
//
// # Quick Start
//
//	import "github.com/donorcast/donorcast/internal/logging"
//
//	// Initialize at application startup
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Caller: false,
//	})
//
//	// Log messages with structured fields
//	logging.Info().Str("dataset", name).Msg("Dataset materialized")
//	logging.Error().Err(err).Str("backend", backend).Msg("Sync failed")
//
//	// Context-aware logging during a materialization run
//	ctx, runID := logging.WithRunID(ctx)
//	logging.Ctx(ctx).Info().Int("rows", n).Msg("Partition written")
//
// The global logger is initialized to sane defaults at import time, so
// packages may log before Init runs (useful in tests).
package logging
