// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithRunID(t *testing.T) {
	ctx, runID := WithRunID(context.Background())
	if runID == "" {
		t.Fatal("WithRunID returned an empty run id")
	}
	if got := RunID(ctx); got != runID {
		t.Errorf("RunID(ctx) = %q, want %q", got, runID)
	}

	// Distinct runs get distinct IDs.
	_, other := WithRunID(context.Background())
	if other == runID {
		t.Error("Two runs received the same run id")
	}
}

func TestRunID_Absent(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID of bare context = %q, want empty", got)
	}
}

func TestCtx_AnnotatesRunID(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	ctx, runID := WithRunID(context.Background())
	logger := Ctx(ctx)
	logger.Info().Msg("running")

	if !strings.Contains(buf.String(), runID) {
		t.Errorf("Log line missing run id %q: %q", runID, buf.String())
	}
}

func TestCtx_PrefersStoredLogger(t *testing.T) {
	resetLogger(t)

	var buf bytes.Buffer
	stored := zerolog.New(&buf).With().Str("component", "refresher").Logger()

	ctx := WithLogger(context.Background(), stored)
	logger := Ctx(ctx)
	logger.Info().Msg("stored logger wins")

	if !strings.Contains(buf.String(), `"component":"refresher"`) {
		t.Errorf("Stored logger not used: %q", buf.String())
	}
}

func TestCtx_NilContext(t *testing.T) {
	// Must not panic; falls back to the global logger.
	//nolint:staticcheck // exercising the nil-context fallback
	logger := Ctx(nil)
	logger.Debug().Msg("fallback")
}
