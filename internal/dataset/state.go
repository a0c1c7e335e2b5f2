// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package dataset

import (
	"time"

	"github.com/donorcast/donorcast/internal/models"
)

// RebuildMode is the caller's tri-state rebuild flag.
type RebuildMode int

const (
	// ModeAuto reads the cache when it covers the window and otherwise
	// recomputes only the missing tail (incremental rebuild).
	ModeAuto RebuildMode = iota

	// ModeForce recomputes the entire window from the raw stream,
	// replacing the existing dataset.
	ModeForce

	// ModeReadOnly never writes: the existing cache is returned even if
	// stale, and a missing cache is an error.
	ModeReadOnly
)

// String returns the mode name for logs.
func (m RebuildMode) String() string {
	switch m {
	case ModeForce:
		return "force"
	case ModeReadOnly:
		return "read_only"
	default:
		return "auto"
	}
}

// State is the facade's freshness decision for one request.
type State int

const (
	// StateNoCache means the dataset was never materialized; a full
	// derivation is required.
	StateNoCache State = iota

	// StateFresh means the cache covers the requested window; the slice
	// is returned with no recomputation.
	StateFresh

	// StateStale means the cache exists but its newest materialized date
	// precedes the requested until; only the missing tail is recomputed.
	StateStale

	// StateForceRebuild is the explicit full-rebuild override.
	StateForceRebuild

	// StateForceRead is the explicit read-only override.
	StateForceRead
)

// String returns the state label used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateForceRebuild:
		return "force_rebuild"
	case StateForceRead:
		return "force_read"
	default:
		return "no_cache"
	}
}

// resolveState decides how a request is satisfied. It is a pure function of
// the requested window, the cache metadata, and the rebuild mode; all cache
// mutation happens elsewhere, driven by the returned state.
//
// hasMax is false when the cache table is missing or empty; an existing but
// empty cache is treated as stale so the full window is derived into it.
func resolveState(exists, hasMax bool, maxDate time.Time, w models.Window, mode RebuildMode) State {
	switch mode {
	case ModeReadOnly:
		return StateForceRead
	case ModeForce:
		return StateForceRebuild
	}
	if !exists {
		return StateNoCache
	}
	if !hasMax {
		return StateStale
	}
	if !maxDate.Before(w.Until) {
		return StateFresh
	}
	return StateStale
}

// deriveWindow returns the stream window a state requires. For a stale
// cache the window starts at the newest materialized date itself: that
// boundary date may have been written from a partial day, so it is
// reprocessed in full and the writer's merge makes the re-run idempotent.
func deriveWindow(st State, hasMax bool, maxDate time.Time, w models.Window) models.Window {
	if st == StateStale && hasMax && maxDate.After(w.Since) {
		return models.Window{Since: maxDate, Until: w.Until}
	}
	return w
}
