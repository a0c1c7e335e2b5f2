// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package pipeline

import (
	"sort"

	"github.com/donorcast/donorcast/internal/models"
)

// Rule defines what makes a stream event the label-defining qualifying event.
type Rule struct {
	// EventType is the categorical type a qualifying event must carry.
	EventType string

	// MinAmount is the minimum contribution amount (inclusive).
	MinAmount float64
}

// Qualifies reports whether the event is a qualifying event under the rule.
func (r Rule) Qualifies(e models.Event) bool {
	return e.EventType == r.EventType && e.ContributionAmt != nil && *e.ContributionAmt >= r.MinAmount
}

// Labeled is a stream event that survived censoring, annotated with the
// event label. At most one Labeled row per entity carries Label=true.
type Labeled struct {
	Ev    models.Event
	Label bool
}

// Stats summarizes one derivation run for logging and metrics.
type Stats struct {
	Scanned    int // events read from the stream window
	Censored   int // events dropped after an entity's first qualifying event
	Labeled    int // entities that received an event label
	Deduped    int // rows collapsed by daily deduplication
	Rows       int // dataset rows produced
	Partitions int // distinct partitions touched
}

// Label orders events by (entity, timestamp, row id) and applies
// first-qualifying-event detection with right-censoring.
//
// A row survives when either no qualifying event has occurred yet for its
// entity, or the row is the entity's first qualifying event and the entity
// has more than one event counting prior history. Every row after the
// first qualifying event is censored, even same-day rows with different
// values.
//
// history carries each entity's rows materialized by earlier runs, strictly
// before the current window: an already-converted entity has every window
// event censored, and prior rows count toward the more-than-one-event
// threshold. Pass nil on a full derivation.
func Label(events []models.Event, rule Rule, history map[string]models.EntityHistory) ([]Labeled, Stats) {
	stats := Stats{Scanned: len(events)}
	if len(events) == 0 {
		return nil, stats
	}

	ordered := make([]models.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].EntityID != ordered[j].EntityID {
			return ordered[i].EntityID < ordered[j].EntityID
		}
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].RowID < ordered[j].RowID
	})

	totals := make(map[string]int, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for id, h := range history {
		totals[id] = h.Rows
		if h.Converted {
			seen[id] = true
		}
	}
	for _, e := range ordered {
		totals[e.EntityID]++
	}

	out := make([]Labeled, 0, len(ordered))
	for _, e := range ordered {
		if seen[e.EntityID] {
			stats.Censored++
			continue
		}
		if rule.Qualifies(e) {
			seen[e.EntityID] = true
			if totals[e.EntityID] > 1 {
				out = append(out, Labeled{Ev: e, Label: true})
				stats.Labeled++
			}
			continue
		}
		out = append(out, Labeled{Ev: e, Label: false})
	}
	return out, stats
}

// Dedupe collapses the surviving rows to at most one per (entity, day).
// The representative is the labeled row if the day has one, otherwise the
// first row by (timestamp, row id). Deterministic for any input order.
func Dedupe(rows []Labeled) []Labeled {
	if len(rows) == 0 {
		return nil
	}

	ordered := make([]Labeled, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Ev.EntityID != b.Ev.EntityID {
			return a.Ev.EntityID < b.Ev.EntityID
		}
		da, db := a.Ev.Day(), b.Ev.Day()
		if !da.Equal(db) {
			return da.Before(db)
		}
		if a.Label != b.Label {
			return a.Label
		}
		if !a.Ev.Timestamp.Equal(b.Ev.Timestamp) {
			return a.Ev.Timestamp.Before(b.Ev.Timestamp)
		}
		return a.Ev.RowID < b.Ev.RowID
	})

	out := make([]Labeled, 0, len(ordered))
	for _, row := range ordered {
		if n := len(out); n > 0 &&
			out[n-1].Ev.EntityID == row.Ev.EntityID &&
			out[n-1].Ev.Day().Equal(row.Ev.Day()) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Partition buckets rows by calendar year. Partitioning is a pure function
// of the timestamp and stable across re-runs. Feature maps are carried
// through unchanged; the column policy is applied by the partition writer.
func Partition(rows []Labeled) map[int][]models.DatasetRow {
	if len(rows) == 0 {
		return map[int][]models.DatasetRow{}
	}

	out := make(map[int][]models.DatasetRow)
	for _, row := range rows {
		year := row.Ev.Year()
		out[year] = append(out[year], models.DatasetRow{
			RowID:     row.Ev.RowID,
			EntityID:  row.Ev.EntityID,
			Date:      row.Ev.Day(),
			Event:     row.Label,
			Partition: year,
			Features:  row.Ev.Features,
		})
	}
	return out
}

// Derive runs the full derivation: Label, Dedupe, Partition. The returned
// stats cover the whole run. history seeds cross-run censorship on
// incremental derivations; pass nil when deriving a complete window.
func Derive(events []models.Event, rule Rule, history map[string]models.EntityHistory) (map[int][]models.DatasetRow, Stats) {
	labeled, stats := Label(events, rule, history)
	deduped := Dedupe(labeled)
	stats.Deduped = len(labeled) - len(deduped)

	parts := Partition(deduped)
	stats.Rows = len(deduped)
	stats.Partitions = len(parts)
	return parts, stats
}
