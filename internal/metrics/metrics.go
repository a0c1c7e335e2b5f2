// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package metrics provides Prometheus metrics for the dataset pipeline.
//
// Collectors cover the derivation stages (events scanned, censored,
// labeled), the partition writer, cross-storage synchronization, the
// facade's freshness decisions, and the sync circuit breakers. Metrics are
// exposed by cmd/donorcast at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Derivation Metrics
	DeriveEventsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "derive_events_scanned_total",
			Help: "Total stream events read by derivation runs",
		},
	)

	DeriveEventsCensored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "derive_events_censored_total",
			Help: "Total events dropped after an entity's first qualifying event",
		},
	)

	DeriveEntitiesLabeled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "derive_entities_labeled_total",
			Help: "Total entities that received an event label",
		},
	)

	DeriveRowsProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "derive_rows_produced_total",
			Help: "Total dataset rows produced by derivation runs",
		},
	)

	DeriveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "derive_duration_seconds",
			Help:    "Duration of in-memory derivation runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	// Partition Writer Metrics
	PartitionWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partition_writes_total",
			Help: "Total partition write attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	PartitionWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partition_write_duration_seconds",
			Help:    "Duration of single-partition merge writes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	PartitionRowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partition_rows_written_total",
			Help: "Total dataset rows merged into partitions",
		},
	)

	// Storage Sync Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_sync_duration_seconds",
			Help:    "Duration of cross-storage sync operations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_sync_errors_total",
			Help: "Total cross-storage sync errors",
		},
		[]string{"backend"},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storage_sync_last_success_timestamp",
			Help: "Unix timestamp of the last fully propagated sync",
		},
	)

	SyncFilesCopied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_sync_files_copied_total",
			Help: "Total partition files copied to sync backends",
		},
	)

	// Dataset Facade Metrics
	FacadeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_requests_total",
			Help: "Total dataset requests by freshness decision",
		},
		[]string{"state"}, // "no_cache", "fresh", "stale", "force_rebuild", "force_read"
	)

	FacadeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataset_request_duration_seconds",
			Help:    "End-to-end dataset request duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"state"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Circuit breaker request outcomes",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)
)

// ObserveDerivation records the outcome of one derivation run.
// Stats fields map 1:1 onto the derive_* collectors.
func ObserveDerivation(scanned, censored, labeled, rows int, seconds float64) {
	DeriveEventsScanned.Add(float64(scanned))
	DeriveEventsCensored.Add(float64(censored))
	DeriveEntitiesLabeled.Add(float64(labeled))
	DeriveRowsProduced.Add(float64(rows))
	DeriveDuration.Observe(seconds)
}
