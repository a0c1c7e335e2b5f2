// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context keys for logging.
type contextKey string

const (
	// runIDKey is the context key for materialization run IDs.
	runIDKey contextKey = "run_id"

	// loggerKey is the context key for storing a logger instance.
	loggerKey contextKey = "logger"
)

// GenerateRunID creates a new unique materialization run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// WithRunID attaches a fresh run ID to the context and returns the new
// context together with the ID. Every log line emitted through Ctx during
// the run then carries it.
func WithRunID(ctx context.Context) (context.Context, string) {
	runID := GenerateRunID()
	return context.WithValue(ctx, runIDKey, runID), runID
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger stores a logger in the context for downstream retrieval.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns a logger enriched with context values. An explicitly stored
// logger wins; otherwise the global logger is annotated with the context's
// run ID when present.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return Logger()
	}
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	logger := Logger()
	if runID := RunID(ctx); runID != "" {
		logger = logger.With().Str("run_id", runID).Logger()
	}
	return logger
}
