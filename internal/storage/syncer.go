// Donorcast - Donor Conversion Dataset Pipeline
// Copyright 2026 Donorcast Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/donorcast/donorcast

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/donorcast/donorcast/internal/config"
	"github.com/donorcast/donorcast/internal/logging"
	"github.com/donorcast/donorcast/internal/metrics"
)

// ManifestFileName marks the commit point of a synced partition set.
// Readers of a backend must treat a dataset directory without a manifest,
// or with files not matching the manifest, as not-yet-current.
const ManifestFileName = "manifest.json"

// Manifest describes one fully propagated partition set.
type Manifest struct {
	Dataset   string         `json:"dataset"`
	SyncID    string         `json:"sync_id"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// ManifestFile is one partition file with its integrity checksum.
type ManifestFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Syncer propagates a dataset's partition files to configured storage
// backends. Each backend sits behind its own circuit breaker so one
// unreachable destination cannot stall the rest, and file copies are rate
// limited when configured.
type Syncer struct {
	cfg      config.SyncConfig
	dataDir  string
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	limiter  *rate.Limiter
}

// NewSyncer creates a syncer for the given backends. dataDir is the local
// partition export root, the source of truth for propagation.
func NewSyncer(cfg config.SyncConfig, dataDir string) *Syncer {
	s := &Syncer{
		cfg:      cfg,
		dataDir:  dataDir,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}], len(cfg.Backends)),
	}
	if cfg.CopyRatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CopyRatePerSecond), 1)
	}
	for _, backend := range cfg.Backends {
		s.breakers[backend] = newBackendBreaker(backend)
	}
	return s
}

// newBackendBreaker builds the per-backend circuit breaker. Opens after a
// 60% failure rate over at least 5 requests; recovery is probed after 2
// minutes.
func newBackendBreaker(backend string) *gobreaker.CircuitBreaker[struct{}] {
	name := "sync-" + backend
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Sync circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Sync propagates the named dataset to all configured backends. It must be
// called only after every partition write of the batch succeeded.
//
// Per backend: partition files are copied (temp file + rename), stale
// remote partition files are removed when overwrite is true, and the
// checksummed manifest is written last as the commit point. A failed
// backend is recorded and the remaining backends still run; any failure
// yields ErrSync after the loop. The local dataset is correct either way
// and the caller may retry.
func (s *Syncer) Sync(ctx context.Context, name string, overwrite bool) error {
	if len(s.cfg.Backends) == 0 {
		return nil
	}

	start := time.Now()
	manifest, err := s.buildManifest(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSync, err)
	}

	var failed []string
	for _, backend := range s.cfg.Backends {
		_, err := s.breakers[backend].Execute(func() (struct{}, error) {
			return struct{}{}, s.syncBackend(ctx, backend, name, manifest, overwrite)
		})
		if err != nil {
			failed = append(failed, backend)
			metrics.SyncErrors.WithLabelValues(backend).Inc()
			metrics.CircuitBreakerRequests.WithLabelValues("sync-"+backend, requestResult(err)).Inc()
			logging.Error().Err(err).Str("dataset", name).Str("backend", backend).Msg("Backend sync failed")
			continue
		}
		metrics.CircuitBreakerRequests.WithLabelValues("sync-"+backend, "success").Inc()
	}

	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	if len(failed) > 0 {
		return fmt.Errorf("%w: dataset %s: backends %s", ErrSync, name, strings.Join(failed, ", "))
	}

	metrics.SyncLastSuccess.SetToCurrentTime()
	logging.Info().
		Str("dataset", name).
		Str("sync_id", manifest.SyncID).
		Int("files", len(manifest.Files)).
		Int("backends", len(s.cfg.Backends)).
		Dur("elapsed", time.Since(start)).
		Msg("Dataset synced")
	return nil
}

func requestResult(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "rejected"
	}
	return "failure"
}

// buildManifest checksums the local partition files of a dataset.
func (s *Syncer) buildManifest(name string) (*Manifest, error) {
	dir := filepath.Join(s.dataDir, name)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list partition files of %s: %w", name, err)
	}

	// A dataset with no local exports yet syncs as an empty partition set.
	manifest := &Manifest{
		Dataset:   name,
		SyncID:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		size, sum, err := checksumFile(path)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:      entry.Name(),
			SizeBytes: size,
			SHA256:    sum,
		})
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Name < manifest.Files[j].Name
	})
	return manifest, nil
}

// syncBackend propagates one dataset to one backend directory.
func (s *Syncer) syncBackend(ctx context.Context, backend, name string, manifest *Manifest, overwrite bool) error {
	dstDir := filepath.Join(backend, name)
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return fmt.Errorf("failed to create backend directory %s: %w", dstDir, err)
	}

	local := make(map[string]struct{}, len(manifest.Files))
	for _, f := range manifest.Files {
		local[f.Name] = struct{}{}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("sync canceled: %w", err)
			}
		}
		src := filepath.Join(s.dataDir, name, f.Name)
		if err := copyFile(src, filepath.Join(dstDir, f.Name)); err != nil {
			return err
		}
		metrics.SyncFilesCopied.Inc()
	}

	if overwrite {
		if err := removeStaleFiles(dstDir, local); err != nil {
			return err
		}
	}

	// Manifest last: the commit point for readers of this backend.
	doc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(dstDir, ManifestFileName), doc)
}

// removeStaleFiles deletes remote partition files absent from the local
// partition set. Only Parquet files are touched.
func removeStaleFiles(dir string, local map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list backend directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		if _, ok := local[entry.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove stale partition %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// checksumFile returns the size and SHA-256 of a file.
func checksumFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closeQuietly(f)

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies src to dst via a temp file and rename so readers never
// observe a partially written partition file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer closeQuietly(in)

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		closeQuietly(out)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	return nil
}

// writeFileAtomic writes data to path via temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}
