// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/donorcast/donorcast/internal/models"
)

// StreamHandle is a lazy relational handle over the event stream. Predicate
// and ordering are accumulated on the handle and turned into SQL only when
// Collect runs. Handles are value-chained and safe to fork:
//
//	h := store.ReadStream("contribution_events")
//	events, err := h.Between(since, until).Collect(ctx)
type StreamHandle struct {
	store *Store
	table string
	since *time.Time
	until *time.Time
}

// ReadStream returns a lazy handle over the named event stream table.
func (s *Store) ReadStream(name string) *StreamHandle {
	return &StreamHandle{store: s, table: name}
}

// Between restricts the handle to events with since <= timestamp < until.
func (h *StreamHandle) Between(since, until time.Time) *StreamHandle {
	c := *h
	s, u := since.UTC(), until.UTC()
	c.since, c.until = &s, &u
	return &c
}

// From restricts the handle to events with timestamp >= since.
func (h *StreamHandle) From(since time.Time) *StreamHandle {
	c := *h
	s := since.UTC()
	c.since = &s
	return &c
}

// Collect materializes the handle into ordered events. Ordering is
// (entity, timestamp, row id), the order the labeling stage requires.
func (h *StreamHandle) Collect(ctx context.Context) ([]models.Event, error) {
	if !validIdent(h.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, h.table)
	}

	var sb strings.Builder
	args := make([]any, 0, 2)
	fmt.Fprintf(&sb, `SELECT row_id, group_customer_no, "timestamp", event_type, contribution_amt, features FROM %s`, h.table)
	appendRangeFilter(&sb, &args, `"timestamp"`, h.since, h.until)
	sb.WriteString(` ORDER BY group_customer_no, "timestamp", row_id`)

	ctx, cancel := h.store.ensureContext(ctx)
	defer cancel()

	rows, err := h.store.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", h.table, err)
	}
	defer closeQuietly(rows)

	var out []models.Event
	for rows.Next() {
		var (
			e        models.Event
			ts       time.Time
			amount   sql.NullFloat64
			features sql.NullString
		)
		if err := rows.Scan(&e.RowID, &e.EntityID, &ts, &e.EventType, &amount, &features); err != nil {
			return nil, fmt.Errorf("failed to scan stream row: %w", err)
		}
		e.Timestamp = ts.UTC()
		if amount.Valid {
			v := amount.Float64
			e.ContributionAmt = &v
		}
		if features.Valid && features.String != "" {
			if err := json.Unmarshal([]byte(features.String), &e.Features); err != nil {
				return nil, fmt.Errorf("failed to decode features of row %d: %w", e.RowID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stream %s: %w", h.table, err)
	}
	return out, nil
}

// DatasetHandle is a lazy relational handle over a materialized dataset.
// Date-range predicates and feature projections accumulate on the handle
// and are evaluated when Collect runs.
type DatasetHandle struct {
	store            *Store
	table            string
	includePartition bool
	projection       []string
	since            *time.Time
	until            *time.Time
}

// ReadPartitioned returns a lazy handle over a materialized dataset. When
// includePartition is false the partition key is dropped from the result.
func (s *Store) ReadPartitioned(name string, includePartition bool) *DatasetHandle {
	return &DatasetHandle{store: s, table: name, includePartition: includePartition}
}

// Between restricts the handle to rows with since <= date < until.
func (h *DatasetHandle) Between(since, until time.Time) *DatasetHandle {
	c := *h
	s, u := models.DayOf(since), models.DayOf(until)
	c.since, c.until = &s, &u
	return &c
}

// Project restricts the returned feature columns. Core columns (row id,
// entity, date, event, partition) are always present.
func (h *DatasetHandle) Project(columns ...string) *DatasetHandle {
	c := *h
	c.projection = append([]string(nil), columns...)
	return &c
}

// Collect materializes the handle into dataset rows ordered by
// (entity, date).
func (h *DatasetHandle) Collect(ctx context.Context) ([]models.DatasetRow, error) {
	if !validIdent(h.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, h.table)
	}

	var sb strings.Builder
	args := make([]any, 0, 2)
	fmt.Fprintf(&sb, `SELECT row_id, group_customer_no, "date", event, "partition", features FROM %s`, h.table)
	appendRangeFilter(&sb, &args, `"date"`, h.since, h.until)
	sb.WriteString(` ORDER BY group_customer_no, "date", row_id`)

	ctx, cancel := h.store.ensureContext(ctx)
	defer cancel()

	rows, err := h.store.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		if exists, existsErr := h.store.Exists(ctx, h.table); existsErr == nil && !exists {
			return nil, fmt.Errorf("%w: %s", ErrCacheNotFound, h.table)
		}
		return nil, fmt.Errorf("failed to read dataset %s: %w", h.table, err)
	}
	defer closeQuietly(rows)

	var out []models.DatasetRow
	for rows.Next() {
		var (
			r        models.DatasetRow
			date     time.Time
			features sql.NullString
		)
		if err := rows.Scan(&r.RowID, &r.EntityID, &date, &r.Event, &r.Partition, &features); err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		r.Date = models.DayOf(date)
		if features.Valid && features.String != "" {
			if err := json.Unmarshal([]byte(features.String), &r.Features); err != nil {
				return nil, fmt.Errorf("failed to decode features of row %d: %w", r.RowID, err)
			}
		}
		if len(h.projection) > 0 {
			r.Features = projectFeatures(r.Features, h.projection)
		}
		if !h.includePartition {
			r.Partition = 0
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dataset %s: %w", h.table, err)
	}
	return out, nil
}

// Count returns the number of rows the handle would collect.
func (h *DatasetHandle) Count(ctx context.Context) (int64, error) {
	if !validIdent(h.table) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, h.table)
	}

	var sb strings.Builder
	args := make([]any, 0, 2)
	fmt.Fprintf(&sb, `SELECT count(*) FROM %s`, h.table)
	appendRangeFilter(&sb, &args, `"date"`, h.since, h.until)

	ctx, cancel := h.store.ensureContext(ctx)
	defer cancel()

	var count int64
	if err := h.store.conn.QueryRowContext(ctx, sb.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dataset %s: %w", h.table, err)
	}
	return count, nil
}

// appendRangeFilter appends a half-open range predicate on column to the
// query under construction.
func appendRangeFilter(sb *strings.Builder, args *[]any, column string, since, until *time.Time) {
	conds := make([]string, 0, 2)
	if since != nil {
		conds = append(conds, column+" >= ?")
		*args = append(*args, *since)
	}
	if until != nil {
		conds = append(conds, column+" < ?")
		*args = append(*args, *until)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
}

// projectFeatures keeps only the requested feature columns.
func projectFeatures(features map[string]any, columns []string) map[string]any {
	if features == nil {
		return nil
	}
	out := make(map[string]any, len(columns))
	for _, col := range columns {
		if val, ok := features[col]; ok {
			out[col] = val
		}
	}
	return out
}
