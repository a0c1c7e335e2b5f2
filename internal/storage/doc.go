// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

/*
Package storage is the partitioned storage accessor for Donorcast.

A single DuckDB database file holds both the append-only event stream and
the materialized datasets. Reads go through lazy relational handles that
accumulate date-range predicates and projections and only build SQL when
collected. Writes are partition-at-a-time merges inside a transaction, so a
failed write never leaves a partially visible partition.

	store, err := storage.Open(&cfg.Database, cfg.Dataset.DataDir)
	...
	events, err := store.ReadStream("contribution_events").
	    Between(since, until).
	    Collect(ctx)

After every successful partition write the partition is exported as a
Parquet file under <dataDir>/<dataset>/. The Syncer propagates those files
to every configured backend directory, writing a checksummed manifest.json
last so a reader never observes a half-synced partition set as current.

Concurrency: one writer per dataset name is assumed (external
serialization); concurrent readers are safe.
*/
package storage
