// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package refresher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/dataset"
	"github.com/donorcast/donorcast/internal/models"
	"github.com/donorcast/donorcast/internal/storage"
)

func newTestFacade(t *testing.T) (*dataset.Facade, *storage.Store) {
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

	amount := 75.0
	events := []models.Event{
		{RowID: 1, EntityID: "E1", Timestamp: time.Date(2020, 1, 10, 9, 0, 0, 0, time.UTC), EventType: "Ticket"},
		{RowID: 2, EntityID: "E1", Timestamp: time.Date(2020, 2, 15, 9, 0, 0, 0, time.UTC), EventType: "Contribution", ContributionAmt: &amount},
	}
	if err := store.AppendEvents(context.Background(), "events", events); err != nil {
		t.Fatalf("Failed to seed stream: %v", err)
	}

	f, err := dataset.New(context.Background(), store, nil, config.DatasetConfig{
		Name:                "dataset",
		StreamTable:         "events",
		QualifyingEventType: "Contribution",
		QualifyingMinAmount: 50,
	})
	if err != nil {
		t.Fatalf("Failed to build facade: %v", err)
	}
	return f, store
}

func TestService_String(t *testing.T) {
	f, _ := newTestFacade(t)
	svc := New("dataset", f, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	if got := svc.String(); got != "refresher-dataset" {
		t.Errorf("String() = %q, want refresher-dataset", got)
	}
}

func TestService_ServeRefreshesImmediately(t *testing.T) {
	f, store := newTestFacade(t)
	svc := New("dataset", f, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// The startup refresh materializes the dataset without waiting for a
	// tick.
	deadline := time.After(10 * time.Second)
	for {
		exists, err := store.Exists(context.Background(), "dataset")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Startup refresh did not materialize the dataset")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}

	count, err := store.ReadPartitioned("dataset", true).Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Refreshed dataset has %d rows, want 2", count)
	}
}
