// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/donorcast/donorcast/internal/logging"
	"github.com/donorcast/donorcast/internal/metrics"
	"github.com/donorcast/donorcast/internal/models"
)

// WritePartition merges rows into one partition of a materialized dataset.
//
// The merge runs in a single transaction: existing rows of the partition
// with date >= the batch's earliest date are deleted, then the batch is
// inserted. Because incremental derivation windows start at the previously
// materialized max date, this delete-then-insert makes re-runs idempotent,
// including full reprocessing of the boundary date.
//
// The column policy is applied at write time: adjusted-variant columns are
// excluded and rollback columns keep the value the row carried at its own
// timestamp. A failure rolls the transaction back and returns
// ErrStorageWrite; the previously materialized state stays readable.
//
// After a successful commit the partition is exported as a Parquet file
// under the local data directory, the unit of cross-storage sync.
func (s *Store) WritePartition(ctx context.Context, name string, year int, rows []models.DatasetRow, policy models.ColumnPolicy) error {
	if !validIdent(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	if err := s.writePartitionTx(ctx, name, year, rows, policy); err != nil {
		metrics.PartitionWrites.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: dataset %s partition %d: %v", ErrStorageWrite, name, year, err)
	}

	if err := s.exportPartition(ctx, name, year); err != nil {
		metrics.PartitionWrites.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: dataset %s partition %d export: %v", ErrStorageWrite, name, year, err)
	}

	metrics.PartitionWrites.WithLabelValues("success").Inc()
	metrics.PartitionWriteDuration.Observe(time.Since(start).Seconds())
	metrics.PartitionRowsWritten.Add(float64(len(rows)))

	logging.Debug().
		Str("dataset", name).
		Int("partition", year).
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("Partition written")
	return nil
}

// writePartitionTx performs the transactional delete-then-insert merge.
func (s *Store) writePartitionTx(ctx context.Context, name string, year int, rows []models.DatasetRow, policy models.ColumnPolicy) error {
	if err := s.EnsureDatasetTable(ctx, name); err != nil {
		return err
	}

	minDate := rows[0].Date
	for _, r := range rows[1:] {
		if r.Date.Before(minDate) {
			minDate = r.Date
		}
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin partition merge: %w", err)
	}
	defer rollbackQuietly(tx)

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "partition" = ? AND "date" >= ?`, name),
		year, minDate)
	if err != nil {
		return fmt.Errorf("failed to clear merge window: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (row_id, group_customer_no, "date", event, "partition", features)
		 VALUES (?, ?, ?, ?, ?, ?)`, name))
	if err != nil {
		return fmt.Errorf("failed to prepare partition insert: %w", err)
	}
	defer closeWithLog(stmt, "partition insert statement")

	for _, r := range rows {
		var features any
		if retained := policy.Materialize(r.Features); len(retained) > 0 {
			doc, err := json.Marshal(retained)
			if err != nil {
				return fmt.Errorf("failed to encode features of row %d: %w", r.RowID, err)
			}
			features = string(doc)
		}
		if _, err := stmt.ExecContext(ctx, r.RowID, r.EntityID, r.Date, r.Event, year, features); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", r.RowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit partition merge: %w", err)
	}
	return nil
}

// exportPartition writes one partition as a Parquet file under the local
// data directory. The export replaces the previous file atomically via a
// temp file and rename.
func (s *Store) exportPartition(ctx context.Context, name string, year int) error {
	dir := filepath.Join(s.dataDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create partition directory %s: %w", dir, err)
	}

	final := filepath.Join(dir, PartitionFileName(year))
	tmp := final + ".tmp"

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	// COPY targets cannot be bound as parameters; year is an int and the
	// path is escaped, so interpolation is safe here.
	query := fmt.Sprintf(`COPY (SELECT * FROM %s WHERE "partition" = %d ORDER BY group_customer_no, "date", row_id) TO '%s' (FORMAT PARQUET)`,
		name, year, escapeSQLString(tmp))
	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to export partition %d: %w", year, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to finalize partition export: %w", err)
	}
	return nil
}

// PartitionFileName returns the Parquet file name of a partition year.
func PartitionFileName(year int) string {
	return fmt.Sprintf("year=%d.parquet", year)
}

// escapeSQLString doubles single quotes for safe literal interpolation.
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
