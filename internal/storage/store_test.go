// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:                   filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory:              "512MB",
		Threads:                2,
		PreserveInsertionOrder: true,
	}
	store, err := Open(cfg, filepath.Join(t.TempDir(), "datasets"))
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

func testAmt(v float64) *float64 { return &v }

func testEvent(rowID int64, entity, ts, eventType string, amount *float64, features map[string]any) models.Event {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return models.Event{
		RowID:           rowID,
		EntityID:        entity,
		Timestamp:       parsed,
		EventType:       eventType,
		ContributionAmt: amount,
		Features:        features,
	}
}

func TestStore_Exists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "missing_table")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("missing_table reported as existing")
	}

	if err := store.EnsureStreamTable(ctx, "events"); err != nil {
		t.Fatalf("EnsureStreamTable failed: %v", err)
	}
	exists, err = store.Exists(ctx, "events")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("events table not found after creation")
	}
}

func TestStore_InvalidNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := []string{"", "1table", "drop table;--", "a b", `x"y`}
	for _, name := range bad {
		if err := store.EnsureStreamTable(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("EnsureStreamTable(%q) error = %v, want ErrInvalidName", name, err)
		}
		if err := store.EnsureDatasetTable(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("EnsureDatasetTable(%q) error = %v, want ErrInvalidName", name, err)
		}
		if err := store.ResetDataset(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ResetDataset(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestStore_AppendAndReadStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []models.Event{
		testEvent(2, "E1", "2020-03-01T12:00:00Z", "Contribution", testAmt(75), map[string]any{"contributionAmt": 75.0}),
		testEvent(1, "E1", "2020-01-15T09:00:00Z", "Ticket", nil, nil),
		testEvent(3, "E2", "2020-02-10T10:00:00Z", "Ticket", testAmt(20), map[string]any{"ticketCount": 2.0}),
	}
	if err := store.AppendEvents(ctx, "events", events); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	got, err := store.ReadStream("events").Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Collected %d events, want 3", len(got))
	}
	// Ordered by (entity, timestamp, row id).
	wantOrder := []int64{1, 2, 3}
	for i, id := range wantOrder {
		if got[i].RowID != id {
			t.Errorf("Position %d has row %d, want %d", i, got[i].RowID, id)
		}
	}
	if got[1].ContributionAmt == nil || *got[1].ContributionAmt != 75 {
		t.Errorf("Row 2 amount = %v, want 75", got[1].ContributionAmt)
	}
	if got[0].ContributionAmt != nil {
		t.Errorf("Row 1 amount must be nil, got %v", *got[0].ContributionAmt)
	}
	if got[1].Features["contributionAmt"] != 75.0 {
		t.Errorf("Row 2 features = %v", got[1].Features)
	}
}

func TestStreamHandle_Between(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []models.Event{
		testEvent(1, "E1", "2019-12-31T23:00:00Z", "Ticket", nil, nil),
		testEvent(2, "E1", "2020-06-15T09:00:00Z", "Ticket", nil, nil),
		testEvent(3, "E1", "2021-01-01T00:00:00Z", "Ticket", nil, nil),
	}
	if err := store.AppendEvents(ctx, "events", events); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	since := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := store.ReadStream("events").Between(since, until).Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 1 || got[0].RowID != 2 {
		t.Errorf("Window must be half-open [since, until): got %d rows", len(got))
	}

	got, err = store.ReadStream("events").From(until).Collect(ctx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 1 || got[0].RowID != 3 {
		t.Errorf("From must include its lower bound: got %d rows", len(got))
	}
}

func TestStore_FeatureColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cols, err := store.FeatureColumns(ctx, "events")
	if err != nil {
		t.Fatalf("FeatureColumns on missing table failed: %v", err)
	}
	if cols != nil {
		t.Errorf("Missing table must yield nil columns, got %v", cols)
	}

	events := []models.Event{
		testEvent(1, "E1", "2020-01-15T09:00:00Z", "Contribution", testAmt(60),
			map[string]any{"contributionAmt": 60.0, "contributionAmtAdj": 65.0}),
		testEvent(2, "E2", "2020-02-15T09:00:00Z", "Ticket", nil,
			map[string]any{"ticketCount": 1.0, "membershipLevel": "gold"}),
		testEvent(3, "E3", "2020-03-15T09:00:00Z", "Ticket", nil, nil),
	}
	if err := store.AppendEvents(ctx, "events", events); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	cols, err = store.FeatureColumns(ctx, "events")
	if err != nil {
		t.Fatalf("FeatureColumns failed: %v", err)
	}
	want := []string{"contributionAmt", "contributionAmtAdj", "membershipLevel", "ticketCount"}
	if len(cols) != len(want) {
		t.Fatalf("FeatureColumns = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("FeatureColumns[%d] = %q, want %q (sorted union)", i, cols[i], want[i])
		}
	}
}

func TestStore_MaxDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.MaxDate(ctx, "dataset")
	if err != nil {
		t.Fatalf("MaxDate on missing table failed: %v", err)
	}
	if ok {
		t.Error("Missing dataset must report no max date")
	}

	if err := store.EnsureDatasetTable(ctx, "dataset"); err != nil {
		t.Fatalf("EnsureDatasetTable failed: %v", err)
	}
	_, ok, err = store.MaxDate(ctx, "dataset")
	if err != nil {
		t.Fatalf("MaxDate on empty table failed: %v", err)
	}
	if ok {
		t.Error("Empty dataset must report no max date")
	}

	rows := []models.DatasetRow{
		{RowID: 1, EntityID: "E1", Date: time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC), Partition: 2020},
		{RowID: 2, EntityID: "E1", Date: time.Date(2020, 7, 1, 0, 0, 0, 0, time.UTC), Partition: 2020},
	}
	if err := store.WritePartition(ctx, "dataset", 2020, rows, models.ColumnPolicy{}); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}

	maxDate, ok, err := store.MaxDate(ctx, "dataset")
	if err != nil {
		t.Fatalf("MaxDate failed: %v", err)
	}
	if !ok {
		t.Fatal("Populated dataset must report a max date")
	}
	if want := time.Date(2020, 7, 1, 0, 0, 0, 0, time.UTC); !maxDate.Equal(want) {
		t.Errorf("MaxDate = %v, want %v", maxDate, want)
	}
}

func TestStore_EntityHistories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []models.DatasetRow{
		{RowID: 1, EntityID: "E1", Date: time.Date(2019, 11, 5, 0, 0, 0, 0, time.UTC), Partition: 2019},
		{RowID: 2, EntityID: "E1", Date: time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC), Event: true, Partition: 2020},
		{RowID: 3, EntityID: "E2", Date: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), Partition: 2020},
		{RowID: 4, EntityID: "E2", Date: time.Date(2020, 3, 5, 0, 0, 0, 0, time.UTC), Partition: 2020},
	}
	if err := store.WritePartition(ctx, "dataset", 2019, rows[:1], models.ColumnPolicy{}); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}
	if err := store.WritePartition(ctx, "dataset", 2020, rows[1:], models.ColumnPolicy{}); err != nil {
		t.Fatalf("WritePartition failed: %v", err)
	}

	// The boundary date itself is excluded: it belongs to the next run.
	got, err := store.EntityHistories(ctx, "dataset", time.Date(2020, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("EntityHistories failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Got %d entity histories, want 2", len(got))
	}
	e1 := got["E1"]
	if e1.Rows != 2 || !e1.Converted {
		t.Errorf("E1 history = %+v, want 2 rows converted", e1)
	}
	if want := time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC); !e1.EventDate.Equal(want) {
		t.Errorf("E1 event date = %v, want %v", e1.EventDate, want)
	}
	e2 := got["E2"]
	if e2.Rows != 1 || e2.Converted {
		t.Errorf("E2 history = %+v, want 1 row unconverted", e2)
	}

	// A cutoff before every row yields no histories.
	got, err = store.EntityHistories(ctx, "dataset", time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("EntityHistories failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Got %d entity histories before any row, want 0", len(got))
	}

	if _, err := store.EntityHistories(ctx, "bad name", time.Now()); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Invalid name error = %v, want ErrInvalidName", err)
	}
}

func TestDatasetHandle_CacheNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReadPartitioned("never_built", true).Collect(ctx)
	if !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("Collect on missing dataset error = %v, want ErrCacheNotFound", err)
	}
}
