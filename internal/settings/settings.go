// Package settings persists operator-tunable parameters as a JSON
// document on disk and hot-reloads external edits.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/verdantlabs/canopy/internal/bcc"
)

// ErrNotFound means the requested key has no value.
var ErrNotFound = errors.New("setting not found")

// ChangeFunc is notified after the store picks up an external edit.
type ChangeFunc func(settings map[string]any)

// Store is a flat JSON key/value document with write receipts and
// file-watch reload. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]any

	watcher  *fsnotify.Watcher
	onChange ChangeFunc
	logger   *slog.Logger
}

// Open loads or creates the settings document at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]any),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	return s, nil
}

// Watch starts hot reload and invokes fn after each successful pickup.
// Call Close to stop.
func (s *Store) Watch(fn ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which would
	// silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings dir: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.onChange = fn
	s.mu.Unlock()

	go s.watchLoop(watcher)
	return nil
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher error", "error", err)
		}
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("settings reload failed", "error", err)
		return
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		s.logger.Warn("settings reload skipped: malformed document", "error", err)
		return
	}

	s.mu.Lock()
	s.values = values
	fn := s.onChange
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("settings reloaded from disk", "keys", len(values))
	if fn != nil {
		fn(snapshot)
	}
}

// Get returns one value.
func (s *Store) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Set writes one value, persists the document, and returns the write
// receipt checksum.
func (s *Store) Set(key string, value any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		return "", err
	}
	receipt := bcc.Compute(fmt.Sprintf("SET_%s_%v", key, value))
	s.logger.Info("setting written", "key", key, "bcc", receipt)
	return receipt, nil
}

// All returns a detached copy of the document.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Replace swaps the whole document and persists it.
func (s *Store) Replace(values map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	if err := s.flushLocked(); err != nil {
		return "", err
	}
	receipt := bcc.Compute(fmt.Sprintf("REPLACE_%d", len(values)))
	return receipt, nil
}

func (s *Store) snapshotLocked() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// flushLocked writes atomically: temp file then rename.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
