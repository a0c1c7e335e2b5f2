// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package dataset exposes the materialized training dataset to consumers.
//
// The Facade decides per request whether the cached dataset satisfies a
// window, whether only the missing tail must be derived (incremental
// rebuild), or whether the whole window is recomputed, and always returns
// a lazy handle over persisted storage so subsequent reads observe what
// was just written.
package dataset

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/logging"
	"github.com/donorcast/donorcast/internal/metrics"
	"github.com/donorcast/donorcast/internal/models"
	"github.com/donorcast/donorcast/internal/pipeline"
	"github.com/donorcast/donorcast/internal/storage"
)

// Facade orchestrates derivation, partition writes, and cross-storage sync
// for one named dataset.
//
// A Facade assumes a single writer per dataset name; callers needing
// concurrent rebuilds must serialize externally. Reads may run
// concurrently.
type Facade struct {
	store  *storage.Store
	syncer *storage.Syncer // nil when sync is disabled
	cfg    config.DatasetConfig
	rule   pipeline.Rule
	policy models.ColumnPolicy
}

// New builds a facade. The column policy is resolved here, once, from the
// stream's observed feature columns; it is not re-derived on later runs.
func New(ctx context.Context, store *storage.Store, syncer *storage.Syncer, cfg config.DatasetConfig) (*Facade, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}

	columns, err := store.FeatureColumns(ctx, cfg.StreamTable)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve column policy: %w", err)
	}

	f := &Facade{
		store:  store,
		syncer: syncer,
		cfg:    cfg,
		rule: pipeline.Rule{
			EventType: cfg.QualifyingEventType,
			MinAmount: cfg.QualifyingMinAmount,
		},
		policy: models.NewColumnPolicy(columns, cfg.RollbackPrefixes, cfg.AdjustedSuffix),
	}

	logging.Debug().
		Str("dataset", cfg.Name).
		Str("stream", cfg.StreamTable).
		Int("feature_columns", len(columns)).
		Strs("rollback_columns", f.policy.RollbackColumns()).
		Msg("Dataset facade ready")
	return f, nil
}

// Get returns the dataset slice for the half-open window [since, until),
// materializing first when the cache does not cover it.
//
// The returned handle always reads persisted storage: when a rebuild ran,
// the slice reflects the partitions just written and synced.
func (f *Facade) Get(ctx context.Context, since, until time.Time, mode RebuildMode) (*storage.DatasetHandle, error) {
	w := models.Window{Since: models.DayOf(since), Until: models.DayOf(until)}

	exists, err := f.store.Exists(ctx, f.cfg.Name)
	if err != nil {
		return nil, err
	}
	var (
		maxDate time.Time
		hasMax  bool
	)
	if exists {
		if maxDate, hasMax, err = f.store.MaxDate(ctx, f.cfg.Name); err != nil {
			return nil, err
		}
	}

	st := resolveState(exists, hasMax, maxDate, w, mode)
	start := time.Now()
	metrics.FacadeRequests.WithLabelValues(st.String()).Inc()
	defer func() {
		metrics.FacadeRequestDuration.WithLabelValues(st.String()).Observe(time.Since(start).Seconds())
	}()

	logging.Debug().
		Str("dataset", f.cfg.Name).
		Str("state", st.String()).
		Time("since", w.Since).
		Time("until", w.Until).
		Msg("Dataset request")

	switch st {
	case StateForceRead:
		if !exists {
			return nil, fmt.Errorf("%w: %s", storage.ErrCacheNotFound, f.cfg.Name)
		}
		return f.slice(w), nil

	case StateFresh:
		return f.slice(w), nil

	case StateStale:
		if err := f.materialize(ctx, deriveWindow(st, hasMax, maxDate, w), false); err != nil {
			return nil, err
		}
		return f.slice(w), nil

	default: // StateNoCache, StateForceRebuild
		if exists {
			if err := f.store.ResetDataset(ctx, f.cfg.Name); err != nil {
				return nil, err
			}
		}
		if err := f.materialize(ctx, w, true); err != nil {
			return nil, err
		}
		return f.slice(w), nil
	}
}

// slice returns the lazy persisted-storage handle for a window.
func (f *Facade) slice(w models.Window) *storage.DatasetHandle {
	return f.store.ReadPartitioned(f.cfg.Name, true).Between(w.Since, w.Until)
}

// materialize derives the stream window and merges the result into the
// partitioned store. full marks a complete rebuild: the sync then
// overwrites remote state rather than merging into it.
//
// On an incremental run the derivation is seeded with the cache's
// per-entity history so censorship holds across runs: an entity labeled by
// an earlier materialization emits no rows from the new stream tail.
//
// An empty derivation window is valid: the dataset table still exists
// afterwards (possibly empty) so read-only requests find a cache.
func (f *Facade) materialize(ctx context.Context, w models.Window, full bool) error {
	ctx, _ = logging.WithRunID(ctx)
	started := time.Now()

	events, err := f.store.ReadStream(f.cfg.StreamTable).Between(w.Since, w.Until).Collect(ctx)
	if err != nil {
		return err
	}

	// History covers rows strictly before the window start; the boundary
	// date itself is re-derived and re-merged by the writer.
	var history map[string]models.EntityHistory
	if !full {
		if history, err = f.store.EntityHistories(ctx, f.cfg.Name, w.Since); err != nil {
			return err
		}
	}

	parts, stats := pipeline.Derive(events, f.rule, history)
	metrics.ObserveDerivation(stats.Scanned, stats.Censored, stats.Labeled, stats.Rows, time.Since(started).Seconds())

	if err := f.store.EnsureDatasetTable(ctx, f.cfg.Name); err != nil {
		return err
	}

	years := make([]int, 0, len(parts))
	for year := range parts {
		years = append(years, year)
	}
	sort.Ints(years)

	for _, year := range years {
		if err := f.store.WritePartition(ctx, f.cfg.Name, year, parts[year], f.policy); err != nil {
			return err
		}
	}

	// Sync only after every partition write in the batch succeeded. An
	// untouched dataset still syncs on a full rebuild so overwrite
	// semantics reach the backends.
	if f.syncer != nil && (full || len(parts) > 0) {
		if err := f.syncer.Sync(ctx, f.cfg.Name, full); err != nil {
			return err
		}
	}

	logger := logging.Ctx(ctx)
	logger.Info().
		Str("dataset", f.cfg.Name).
		Bool("full_rebuild", full).
		Time("since", w.Since).
		Time("until", w.Until).
		Int("events", stats.Scanned).
		Int("censored", stats.Censored).
		Int("labeled", stats.Labeled).
		Int("rows", stats.Rows).
		Int("partitions", stats.Partitions).
		Dur("elapsed", time.Since(started)).
		Msg("Dataset materialized")
	return nil
}
