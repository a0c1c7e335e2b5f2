// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/models"
	"github.com/donorcast/donorcast/internal/storage"
)

func testDatasetConfig() config.DatasetConfig {
	return config.DatasetConfig{
		Name:                "dataset",
		StreamTable:         "events",
		QualifyingEventType: "Contribution",
		QualifyingMinAmount: 50,
		RollbackPrefixes:    []string{"contribution", "ticket"},
		AdjustedSuffix:      "Adj",
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dbCfg := &config.DatabaseConfig{
		Path:                   filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory:              "512MB",
		Threads:                2,
		PreserveInsertionOrder: true,
	}
	store, err := storage.Open(dbCfg, filepath.Join(t.TempDir(), "datasets"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func seedStream(t *testing.T, store *storage.Store, events []models.Event) {
	t.Helper()
	if err := store.AppendEvents(context.Background(), "events", events); err != nil {
		t.Fatalf("Failed to seed stream: %v", err)
	}
}

func streamEvent(rowID int64, entity, ts, eventType string, amount float64, features map[string]any) models.Event {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	e := models.Event{
		RowID:     rowID,
		EntityID:  entity,
		Timestamp: parsed,
		EventType: eventType,
		Features:  features,
	}
	if amount > 0 {
		e.ContributionAmt = &amount
	}
	return e
}

// Two entities: E1 converts in February 2020 (preceded by a 2019 ticket),
// E2 never converts.
func seedBaseStream(t *testing.T, store *storage.Store) {
	seedStream(t, store, []models.Event{
		streamEvent(1, "E1", "2019-11-05T09:00:00Z", "Ticket", 0, map[string]any{"ticketCount": 1.0}),
		streamEvent(2, "E1", "2020-02-15T12:00:00Z", "Contribution", 75,
			map[string]any{"contributionAmt": 75.0, "contributionAmtAdj": 80.0}),
		streamEvent(3, "E2", "2020-03-01T09:00:00Z", "Ticket", 0, nil),
		streamEvent(4, "E2", "2020-03-05T09:00:00Z", "Ticket", 0, nil),
	})
}

func newTestFacade(t *testing.T, store *storage.Store, syncer *storage.Syncer) *Facade {
	t.Helper()
	f, err := New(context.Background(), store, syncer, testDatasetConfig())
	if err != nil {
		t.Fatalf("Failed to build facade: %v", err)
	}
	return f
}

var (
	windowSince = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	windowUntil = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestFacade_NoCacheBuildsDataset(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	handle, err := f.Get(ctx, windowSince, windowUntil, ModeAuto)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	// E1: 2019 ticket + labeled conversion. E2: two non-converting days.
	if len(rows) != 4 {
		t.Fatalf("Materialized %d rows, want 4", len(rows))
	}

	var labeled int
	for _, r := range rows {
		if r.Event {
			labeled++
			if r.EntityID != "E1" {
				t.Errorf("Labeled row belongs to %s, want E1", r.EntityID)
			}
			if r.Features["contributionAmt"] != 75.0 {
				t.Errorf("contributionAmt = %v, want 75", r.Features["contributionAmt"])
			}
			if _, ok := r.Features["contributionAmtAdj"]; ok {
				t.Error("Adjusted variant leaked into materialized row")
			}
		}
	}
	if labeled != 1 {
		t.Errorf("Dataset has %d labeled rows, want 1", labeled)
	}

	// Per-year partitions were exported.
	for _, year := range []int{2019, 2020} {
		path := filepath.Join(store.DataDir(), "dataset", storage.PartitionFileName(year))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Missing partition export %d: %v", year, err)
		}
	}
}

func TestFacade_FreshCacheServedWithoutRebuild(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	if _, err := f.Get(ctx, windowSince, windowUntil, ModeAuto); err != nil {
		t.Fatalf("Initial build failed: %v", err)
	}

	// New stream rows inside the already-covered window must not appear:
	// the cache is fresh, nothing is recomputed against the stream.
	seedStream(t, store, []models.Event{
		streamEvent(10, "E3", "2019-06-01T09:00:00Z", "Ticket", 0, nil),
	})

	handle, err := f.Get(ctx, windowSince, time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), ModeAuto)
	if err != nil {
		t.Fatalf("Cached read failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for _, r := range rows {
		if r.EntityID == "E3" {
			t.Error("Fresh cache read recomputed from the stream")
		}
	}
}

func TestFacade_StaleCacheExtendsIncrementally(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	// Build through March 2020 only.
	mid := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	if _, err := f.Get(ctx, windowSince, mid, ModeAuto); err != nil {
		t.Fatalf("Initial build failed: %v", err)
	}

	// New events beyond the cached coverage.
	seedStream(t, store, []models.Event{
		streamEvent(10, "E2", "2020-09-01T09:00:00Z", "Ticket", 0, nil),
		streamEvent(11, "E3", "2020-10-01T09:00:00Z", "Ticket", 0, nil),
	})

	handle, err := f.Get(ctx, windowSince, windowUntil, ModeAuto)
	if err != nil {
		t.Fatalf("Incremental build failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	entities := map[string]int{}
	for _, r := range rows {
		entities[r.EntityID]++
	}
	if entities["E3"] != 1 {
		t.Errorf("Incremental rebuild missed the new entity: %v", entities)
	}
	if entities["E2"] != 3 {
		t.Errorf("E2 rows = %d, want 3", entities["E2"])
	}
	// Rows materialized before the incremental run survive.
	if entities["E1"] != 2 {
		t.Errorf("E1 rows = %d, want 2", entities["E1"])
	}
}

// TestFacade_IncrementalPreservesCensorship grows the stream with events
// for an entity that converted in an earlier materialization. The
// incremental run must emit nothing for it: no rows after its event date
// and no second label, even though the tail carries another qualifying
// contribution.
func TestFacade_IncrementalPreservesCensorship(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	// Build through March 2020: E1's conversion on 2020-02-15 is cached.
	mid := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)
	if _, err := f.Get(ctx, windowSince, mid, ModeAuto); err != nil {
		t.Fatalf("Initial build failed: %v", err)
	}

	// Post-conversion stream growth for the already-converted entity.
	seedStream(t, store, []models.Event{
		streamEvent(10, "E1", "2020-09-10T09:00:00Z", "Ticket", 0, nil),
		streamEvent(11, "E1", "2020-10-01T09:00:00Z", "Contribution", 90, nil),
	})

	handle, err := f.Get(ctx, windowSince, windowUntil, ModeAuto)
	if err != nil {
		t.Fatalf("Incremental build failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	eventDate := time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC)
	var e1Rows, e1Labels int
	for _, r := range rows {
		if r.EntityID != "E1" {
			continue
		}
		e1Rows++
		if r.Event {
			e1Labels++
			if !r.Date.Equal(eventDate) {
				t.Errorf("E1 labeled row dated %v, want %v", r.Date, eventDate)
			}
		}
		if r.Date.After(eventDate) {
			t.Errorf("E1 row dated %v after its event date %v", r.Date, eventDate)
		}
	}
	if e1Labels != 1 {
		t.Errorf("E1 has %d labeled rows, want exactly 1", e1Labels)
	}
	if e1Rows != 2 {
		t.Errorf("E1 has %d rows, want 2 (pre-event ticket and labeled conversion)", e1Rows)
	}

	// A repeat run over the same window changes nothing.
	if _, err := f.Get(ctx, windowSince, windowUntil, ModeAuto); err != nil {
		t.Fatalf("Repeat run failed: %v", err)
	}
	count, err := countAll(ctx, t, f)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != int64(len(rows)) {
		t.Errorf("Repeat run changed row count: %d -> %d", len(rows), count)
	}
}

func TestFacade_IncrementalRunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.Get(ctx, windowSince, windowUntil, ModeAuto); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	handle, err := f.Get(ctx, windowSince, windowUntil, ModeReadOnly)
	if err != nil {
		t.Fatalf("Read-only get failed: %v", err)
	}
	count, err := handle.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 4 {
		t.Errorf("Repeated runs left %d rows, want 4", count)
	}
}

func TestFacade_ForceRebuildReplacesCache(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	if _, err := f.Get(ctx, windowSince, windowUntil, ModeAuto); err != nil {
		t.Fatalf("Initial build failed: %v", err)
	}

	// A narrower forced window replaces the dataset wholesale.
	narrowSince := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	handle, err := f.Get(ctx, narrowSince, windowUntil, ModeForce)
	if err != nil {
		t.Fatalf("Force rebuild failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for _, r := range rows {
		if r.Date.Before(narrowSince) {
			t.Errorf("Row dated %v survived a force rebuild of [%v, %v)", r.Date, narrowSince, windowUntil)
		}
	}
	// E1's single in-window qualifying event is excluded from labeling,
	// so the forced dataset keeps only its pre-event row... which is also
	// outside the narrow window. Only E2's rows remain.
	if _, err := os.Stat(filepath.Join(store.DataDir(), "dataset", storage.PartitionFileName(2019))); !os.IsNotExist(err) {
		t.Error("2019 partition export survived the force rebuild")
	}
}

func TestFacade_ReadOnlyWithoutCache(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)

	_, err := f.Get(context.Background(), windowSince, windowUntil, ModeReadOnly)
	if !errors.Is(err, storage.ErrCacheNotFound) {
		t.Errorf("Read-only without cache error = %v, want ErrCacheNotFound", err)
	}
}

func TestFacade_ReadOnlyServesStaleCache(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	mid := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := f.Get(ctx, windowSince, mid, ModeAuto); err != nil {
		t.Fatalf("Initial build failed: %v", err)
	}

	countBefore, err := countAll(ctx, t, f)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}

	// Read-only over a wider window must not write anything.
	if _, err := f.Get(ctx, windowSince, windowUntil, ModeReadOnly); err != nil {
		t.Fatalf("Read-only get failed: %v", err)
	}
	countAfter, err := countAll(ctx, t, f)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if countAfter != countBefore {
		t.Errorf("Read-only request changed the dataset: %d -> %d", countBefore, countAfter)
	}
}

func countAll(ctx context.Context, t *testing.T, f *Facade) (int64, error) {
	t.Helper()
	handle, err := f.Get(ctx, windowSince, windowUntil, ModeReadOnly)
	if err != nil {
		return 0, err
	}
	return handle.Count(ctx)
}

func TestFacade_EmptyWindowYieldsEmptyDataset(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	f := newTestFacade(t, store, nil)
	ctx := context.Background()

	// A window before any event: not an error, just an empty result.
	handle, err := f.Get(ctx,
		time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC),
		ModeAuto)
	if err != nil {
		t.Fatalf("Get over empty window failed: %v", err)
	}
	rows, err := handle.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Empty window produced %d rows", len(rows))
	}

	// The (empty) cache now exists, so read-only requests succeed.
	if _, err := f.Get(ctx,
		time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC),
		ModeReadOnly); err != nil {
		t.Errorf("Read-only after empty materialization failed: %v", err)
	}
}

func TestFacade_SyncsAfterRebuild(t *testing.T) {
	store := newTestStore(t)
	seedBaseStream(t, store)
	backend := t.TempDir()
	syncer := storage.NewSyncer(config.SyncConfig{Enabled: true, Backends: []string{backend}}, store.DataDir())
	f := newTestFacade(t, store, syncer)
	ctx := context.Background()

	if _, err := f.Get(ctx, windowSince, windowUntil, ModeAuto); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for _, year := range []int{2019, 2020} {
		if _, err := os.Stat(filepath.Join(backend, "dataset", storage.PartitionFileName(year))); err != nil {
			t.Errorf("Backend missing partition %d: %v", year, err)
		}
	}
	if _, err := os.Stat(filepath.Join(backend, "dataset", storage.ManifestFileName)); err != nil {
		t.Errorf("Backend missing manifest: %v", err)
	}
}
