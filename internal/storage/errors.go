// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package storage error definitions.
package storage

import "errors"

// ErrCacheNotFound is returned when a read-only request names a dataset
// that was never materialized.
var ErrCacheNotFound = errors.New("dataset cache not found")

// ErrStorageWrite is returned when a partition write fails. The write is
// rolled back and nothing is synced; the previously materialized dataset
// remains the valid readable state.
var ErrStorageWrite = errors.New("partition write failed")

// ErrSync is returned when propagation to one or more sync backends fails
// after all partition writes succeeded. The local dataset is correct; the
// caller should retry the sync.
var ErrSync = errors.New("storage sync failed")

// ErrInvalidName is returned when a dataset or table name is not a valid
// SQL identifier. Names are interpolated into DDL, so they are restricted
// to [A-Za-z_][A-Za-z0-9_]*.
var ErrInvalidName = errors.New("invalid dataset name")
