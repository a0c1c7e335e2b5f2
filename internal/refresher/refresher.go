// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

// Package refresher keeps a materialized dataset current by running
// periodic incremental rebuilds under suture supervision.
package refresher

import (
	"context"
	"time"

	"github.com/donorcast/donorcast/internal/dataset"
	"github.com/donorcast/donorcast/internal/logging"
)

// Service periodically refreshes one dataset. It implements suture.Service:
// Serve blocks until the context is canceled and a failed refresh run is
// logged, not fatal, so the supervisor keeps the loop alive.
type Service struct {
	name     string
	facade   *dataset.Facade
	since    time.Time
	interval time.Duration
}

// New creates a refresh service for the named dataset. since anchors the
// start of the requested window; each run requests [since, now).
func New(name string, facade *dataset.Facade, since time.Time, interval time.Duration) *Service {
	return &Service{
		name:     name,
		facade:   facade,
		since:    since,
		interval: interval,
	}
}

// String names the service in supervisor logs.
func (s *Service) String() string {
	return "refresher-" + s.name
}

// Serve runs the refresh loop. An immediate refresh runs on startup so a
// restarted process converges without waiting a full interval.
func (s *Service) Serve(ctx context.Context) error {
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh runs one incremental rebuild up to the current day.
func (s *Service) refresh(ctx context.Context) {
	started := time.Now()
	handle, err := s.facade.Get(ctx, s.since, time.Now().UTC(), dataset.ModeAuto)
	if err != nil {
		logging.Error().Err(err).Str("dataset", s.name).Msg("Scheduled refresh failed")
		return
	}

	rows, err := handle.Count(ctx)
	if err != nil {
		logging.Error().Err(err).Str("dataset", s.name).Msg("Failed to count refreshed dataset")
		return
	}

	logging.Info().
		Str("dataset", s.name).
		Int64("rows", rows).
		Dur("elapsed", time.Since(started)).
		Msg("Scheduled refresh complete")
}
