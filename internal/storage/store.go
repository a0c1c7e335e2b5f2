// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/logging"
	"github.com/donorcast/donorcast/internal/models"
)

// queryTimeout is applied when a caller passes a context without deadline.
const queryTimeout = 30 * time.Second

// identPattern restricts table and dataset names interpolated into DDL.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store wraps the DuckDB connection holding the event stream and the
// materialized datasets.
type Store struct {
	conn    *sql.DB
	cfg     *config.DatabaseConfig
	dataDir string
}

// Open creates the database connection and ensures the data directories
// exist. The returned Store is safe for concurrent readers; partition
// writes assume a single writer per dataset name.
func Open(cfg *config.DatabaseConfig, dataDir string) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// 0750 per gosec G301
	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	preserveOrder := "true"
	if !cfg.PreserveInsertionOrder {
		preserveOrder = "false"
	}

	// Disable auto-install/auto-load to prevent hangs in restricted network
	// environments. Parquet export ships statically with the driver.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&preserve_insertion_order=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, cfg.MaxMemory, preserveOrder)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	store := &Store{conn: conn, cfg: cfg, dataDir: dataDir}
	if err := store.ping(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	logging.Debug().Str("path", cfg.Path).Int("threads", numThreads).Msg("Database opened")
	return store, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// DataDir returns the root directory of local Parquet partition exports.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return s.conn.PingContext(ctx)
}

// ensureContext applies the default query timeout when the caller's context
// has no deadline.
func (s *Store) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), queryTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, queryTimeout)
	}
	return ctx, func() {}
}

// validIdent reports whether name may be interpolated into DDL.
func validIdent(name string) bool {
	return identPattern.MatchString(name)
}

// Exists reports whether a table of the given name exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}
	return count > 0, nil
}

// MaxDate returns the newest materialized date of a dataset. The second
// return value is false for an empty or missing dataset.
func (s *Store) MaxDate(ctx context.Context, name string) (time.Time, bool, error) {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return time.Time{}, false, err
	}
	if !exists {
		return time.Time{}, false, nil
	}
	if !validIdent(name) {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var maxDate sql.NullTime
	err = s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT max("date") FROM %s`, name),
	).Scan(&maxDate)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read max date of %s: %w", name, err)
	}
	if !maxDate.Valid {
		return time.Time{}, false, nil
	}
	return maxDate.Time.UTC(), true, nil
}

// EntityHistories summarizes, per entity, the dataset rows materialized
// strictly before a date. Incremental derivations seed the pipeline with
// the result so censorship survives across runs: an entity labeled in an
// earlier run must not re-emit rows from the new stream tail.
func (s *Store) EntityHistories(ctx context.Context, name string, before time.Time) (map[string]models.EntityHistory, error) {
	if !validIdent(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT group_customer_no, count(*), max(CASE WHEN event THEN "date" END)
		 FROM %s WHERE "date" < ? GROUP BY group_customer_no`, name),
		models.DayOf(before))
	if err != nil {
		return nil, fmt.Errorf("failed to read entity histories of %s: %w", name, err)
	}
	defer closeQuietly(rows)

	out := make(map[string]models.EntityHistory)
	for rows.Next() {
		var (
			entity    string
			count     int
			eventDate sql.NullTime
		)
		if err := rows.Scan(&entity, &count, &eventDate); err != nil {
			return nil, fmt.Errorf("failed to scan entity history: %w", err)
		}
		h := models.EntityHistory{Rows: count}
		if eventDate.Valid {
			h.Converted = true
			h.EventDate = eventDate.Time.UTC()
		}
		out[entity] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity histories of %s: %w", name, err)
	}
	return out, nil
}

// EnsureStreamTable creates the append-only event stream table if missing.
// The open feature column set lives in a JSON document column; fixed
// columns cover the identifiers the pipeline orders and filters on.
func (s *Store) EnsureStreamTable(ctx context.Context, name string) error {
	if !validIdent(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row_id            BIGINT NOT NULL,
		group_customer_no VARCHAR NOT NULL,
		"timestamp"       TIMESTAMP NOT NULL,
		event_type        VARCHAR NOT NULL,
		contribution_amt  DOUBLE,
		features          VARCHAR
	)`, name))
	if err != nil {
		return fmt.Errorf("failed to create stream table %s: %w", name, err)
	}
	return nil
}

// EnsureDatasetTable creates the materialized dataset table if missing.
func (s *Store) EnsureDatasetTable(ctx context.Context, name string) error {
	if !validIdent(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row_id            BIGINT NOT NULL,
		group_customer_no VARCHAR NOT NULL,
		"date"            DATE NOT NULL,
		event             BOOLEAN NOT NULL,
		"partition"       INTEGER NOT NULL,
		features          VARCHAR
	)`, name))
	if err != nil {
		return fmt.Errorf("failed to create dataset table %s: %w", name, err)
	}
	return nil
}

// ResetDataset drops a materialized dataset and its local Parquet exports.
// Used by full rebuilds and explicit cache invalidation.
func (s *Store) ResetDataset(ctx context.Context, name string) error {
	if !validIdent(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return fmt.Errorf("failed to drop dataset %s: %w", name, err)
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, name)); err != nil {
		return fmt.Errorf("failed to remove partition exports of %s: %w", name, err)
	}
	logging.Info().Str("dataset", name).Msg("Dataset reset")
	return nil
}

// AppendEvents inserts events into the stream table. This is the seeding
// path for tests and imports; production streams are appended by the
// upstream ingestion collaborator.
func (s *Store) AppendEvents(ctx context.Context, name string, events []models.Event) error {
	if err := s.EnsureStreamTable(ctx, name); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stream append: %w", err)
	}
	defer rollbackQuietly(tx)

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (row_id, group_customer_no, "timestamp", event_type, contribution_amt, features)
		 VALUES (?, ?, ?, ?, ?, ?)`, name))
	if err != nil {
		return fmt.Errorf("failed to prepare stream insert: %w", err)
	}
	defer closeWithLog(stmt, "stream insert statement")

	for _, e := range events {
		var features any
		if len(e.Features) > 0 {
			doc, err := json.Marshal(e.Features)
			if err != nil {
				return fmt.Errorf("failed to encode features of row %d: %w", e.RowID, err)
			}
			features = string(doc)
		}
		if _, err := stmt.ExecContext(ctx, e.RowID, e.EntityID, e.Timestamp.UTC(), e.EventType, e.ContributionAmt, features); err != nil {
			return fmt.Errorf("failed to append stream row %d: %w", e.RowID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stream append: %w", err)
	}
	return nil
}

// FeatureColumns resolves the stream's open feature column set by sampling
// distinct feature documents. The result feeds the column policy, which is
// resolved once at pipeline construction rather than re-derived per run.
func (s *Store) FeatureColumns(ctx context.Context, name string) ([]string, error) {
	exists, err := s.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	if !validIdent(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT features FROM %s WHERE features IS NOT NULL LIMIT 10000`, name))
	if err != nil {
		return nil, fmt.Errorf("failed to sample feature columns of %s: %w", name, err)
	}
	defer closeQuietly(rows)

	keys := make(map[string]struct{})
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan feature document: %w", err)
		}
		var features map[string]any
		if err := json.Unmarshal([]byte(doc), &features); err != nil {
			return nil, fmt.Errorf("failed to decode feature document: %w", err)
		}
		for key := range features {
			keys[key] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feature documents: %w", err)
	}

	cols := make([]string, 0, len(keys))
	for key := range keys {
		cols = append(cols, key)
	}
	sort.Strings(cols)
	return cols, nil
}

// closeWithLog closes a resource and logs any error. Use for cleanup where
// errors should be acknowledged but not fail the operation.
func closeWithLog(closer interface{ Close() error }, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}

// closeQuietly closes a resource and explicitly ignores any error. Use in
// error paths where Close() errors are not actionable.
func closeQuietly(closer interface{ Close() error }) {
	if closer != nil {
		_ = closer.Close()
	}
}

// rollbackQuietly rolls back a transaction, ignoring the "already
// committed" error from the deferred rollback on the success path.
func rollbackQuietly(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logging.Warn().Err(err).Msg("Failed to roll back transaction")
	}
}
