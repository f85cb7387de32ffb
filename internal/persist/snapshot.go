// Package persist snapshots the control state cache to disk so a restart
// warms up without waiting for the Core. Snapshots are advisory: failure to
// load or save never blocks the bridge.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/qsys-tools/mcp-bridge/internal/state"
)

// snapshotVersion guards against loading snapshots from incompatible
// releases.
const snapshotVersion = 1

type snapshotFile struct {
	Version  int                  `json:"version"`
	SavedAt  time.Time            `json:"savedAt"`
	Controls []state.ControlState `json:"controls"`
}

// Store writes and restores cache snapshots with rotating backups.
type Store struct {
	path     string
	backups  int
	interval time.Duration
	cache    *state.Cache
	maxAge   time.Duration
	logger   *slog.Logger
}

// Options configures the store. MaxAge bounds how stale a snapshot may be
// before restore skips it entirely; the cache TTL is the natural choice.
type Options struct {
	Path     string
	Backups  int
	Interval time.Duration
	MaxAge   time.Duration
}

func NewStore(opts Options, cache *state.Cache, logger *slog.Logger) *Store {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Backups < 0 {
		opts.Backups = 0
	}
	return &Store{
		path:     opts.Path,
		backups:  opts.Backups,
		interval: opts.Interval,
		cache:    cache,
		maxAge:   opts.MaxAge,
		logger:   logger,
	}
}

// Restore loads the newest usable snapshot into the cache. Entries keep
// their cache source so reads can distinguish restored values from live
// ones.
func (s *Store) Restore() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("persist: read %s: %w", s.path, err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("persist: parse %s: %w", s.path, err)
	}
	if snap.Version != snapshotVersion {
		s.logger.Warn("snapshot version mismatch, skipping restore", "found", snap.Version)
		return nil
	}
	if s.maxAge > 0 && time.Since(snap.SavedAt) > s.maxAge {
		s.logger.Info("snapshot too stale to restore", "saved_at", snap.SavedAt)
		return nil
	}

	restored := 0
	for _, cs := range snap.Controls {
		if s.maxAge > 0 && time.Since(cs.Timestamp) > s.maxAge {
			continue
		}
		s.cache.Set(cs.Name, cs.Value, state.SourceCache, cs.Metadata)
		restored++
	}
	s.logger.Info("cache restored from snapshot", "controls", restored, "saved_at", snap.SavedAt)
	return nil
}

// Save writes one snapshot atomically: temp file, fsync, rename, then
// backup rotation.
func (s *Store) Save() error {
	snap := snapshotFile{
		Version:  snapshotVersion,
		SavedAt:  time.Now(),
		Controls: s.cache.Snapshot(),
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".controls-*.json")
	if err != nil {
		return fmt.Errorf("persist: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close snapshot: %w", err)
	}

	s.rotate()

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist: replace %s: %w", s.path, err)
	}
	return nil
}

// rotate shifts existing snapshots down one backup slot, dropping the
// oldest.
func (s *Store) rotate() {
	if s.backups == 0 {
		return
	}
	for i := s.backups - 1; i >= 1; i-- {
		os.Rename(backupName(s.path, i), backupName(s.path, i+1))
	}
	if _, err := os.Stat(s.path); err == nil {
		os.Rename(s.path, backupName(s.path, 1))
	}
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Run snapshots on the configured cadence until the context ends, then
// writes one final snapshot.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				s.logger.Warn("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.Warn("periodic snapshot failed", "error", err)
			}
		}
	}
}
