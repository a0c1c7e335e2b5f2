// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package models defines the core data types shared across the Donorcast
// pipeline: stream events, materialized dataset rows, derivation windows,
// and the column policy governing which stream columns survive
// materialization.
package models

import (
	"time"
)

// Event is one row of the append-only contribution/ticketing stream.
//
// Each row is its own as-of snapshot: the raw magnitude columns carry the
// values observed at Timestamp, while retroactive corrections surface as
// separate adjusted-variant columns (suffix "Adj") inside Features. The
// stream is never mutated in place.
type Event struct {
	// RowID is the original row index in the stream, stable across reads.
	RowID int64

	// EntityID identifies the customer group (group_customer_no).
	EntityID string

	// Timestamp is the moment the event occurred.
	Timestamp time.Time

	// EventType is the categorical event kind ("Contribution", "Ticket", ...).
	EventType string

	// ContributionAmt is the contribution amount; nil for non-monetary events.
	ContributionAmt *float64

	// Features holds the open set of additional stream columns, including
	// adjusted variants that the column policy later excludes.
	Features map[string]any
}

// Amount returns the contribution amount, or 0 when absent.
func (e Event) Amount() float64 {
	if e.ContributionAmt == nil {
		return 0
	}
	return *e.ContributionAmt
}

// Day returns the event's calendar date: the timestamp truncated to the day
// in UTC. This is the deduplication and date-filter granularity key.
func (e Event) Day() time.Time {
	return DayOf(e.Timestamp)
}

// Year returns the event's calendar year, the partition key.
func (e Event) Year() int {
	return e.Timestamp.UTC().Year()
}

// DayOf truncates a timestamp to its calendar day in UTC.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DatasetRow is one materialized training example.
//
// Rows are created by the derivation pipeline and never mutated in place; a
// rebuild either merges new partitions or replaces the dataset wholesale.
type DatasetRow struct {
	// RowID is the originating stream row index.
	RowID int64

	// EntityID identifies the customer group.
	EntityID string

	// Date is the calendar day of the originating event (UTC midnight).
	Date time.Time

	// Event is true on the entity's single labeled qualifying event.
	Event bool

	// Partition is the calendar year of the originating timestamp.
	Partition int

	// Features holds the feature columns. Rows read back from storage only
	// carry retained columns: the writer applies the column policy
	// (adjusted variants removed, rollback columns as-of) before persisting.
	Features map[string]any
}

// EntityHistory summarizes an entity's rows already materialized by earlier
// runs, strictly before the current derivation window. Incremental runs use
// it to carry censorship and the minimum-history requirement across runs:
// a converted entity stays censored forever, and prior rows count toward
// the more-than-one-event threshold.
type EntityHistory struct {
	// Rows is the number of dataset rows already materialized.
	Rows int

	// Converted is true when one of those rows carries the event label.
	Converted bool

	// EventDate is the labeled row's date; zero unless Converted.
	EventDate time.Time
}

// Window is a half-open [Since, Until) date range requested from the facade.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Since) && t.Before(w.Until)
}

// Empty reports whether the window covers no time at all.
func (w Window) Empty() bool {
	return !w.Since.Before(w.Until)
}
