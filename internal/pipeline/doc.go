// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

/*
Package pipeline implements the pure derivation stages that turn a window of
stream events into partitioned dataset rows.

The stages run in a fixed order and hold no I/O:

	Label     detect each entity's first qualifying event and right-censor
	          everything after it
	Dedupe    collapse multiple surviving events per (entity, day) to one
	          representative row, qualifying events winning their day
	Partition bucket rows by calendar year

Derive composes the three stages. All stages are deterministic: given the
same input events they produce byte-identical output, which is what makes
incremental re-runs idempotent.

# Labeling and censoring

Events are ordered by (entity, timestamp, row id). Per entity, a row
survives when no qualifying event has occurred yet, or when the row itself
is the entity's first qualifying event and the entity has more than one
event in the window. Everything after the first qualifying event is dropped.
An entity whose only in-window event is qualifying contributes nothing:
there is no prior history to learn from.

# Daily deduplication

Within each (entity, day) group the representative row is chosen by
(labeled first, then earliest timestamp, then lowest row id), so a labeled
qualifying event is never silently displaced by a same-day non-event row.
*/
package pipeline
