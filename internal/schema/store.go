package schema

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store publishes the current schema snapshot. Readers never lock; a reload
// swaps the whole table.
type Store struct {
	path    string
	current atomic.Pointer[Table]
	reloads atomic.Int64
	logger  zerolog.Logger
}

// NewStore wraps an already built table. Reload is a no-op without a path.
func NewStore(t *Table) *Store {
	s := &Store{logger: log.With().Str("component", "schema").Logger()}
	s.current.Store(t)
	return s
}

// Open loads path and returns a store bound to it.
func Open(path string) (*Store, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(t)
	s.path = path
	s.logger.Info().Str("file", path).Int("records", t.Len()).Msg("Schema loaded")
	return s, nil
}

// Current returns the published snapshot.
func (s *Store) Current() *Table {
	return s.current.Load()
}

// Swap publishes t.
func (s *Store) Swap(t *Table) {
	s.current.Store(t)
	s.reloads.Add(1)
}

// Reloads returns how many times the snapshot was replaced.
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Reload re-reads the bound file. On error the previous snapshot stays.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	t, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.Swap(t)
	s.logger.Info().Str("file", s.path).Int("records", t.Len()).Msg("Schema reloaded")
	return nil
}

// Watch reloads the schema whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create schema watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve schema path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch schema directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Msg("Schema reload failed, keeping previous snapshot")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Schema watcher error")
		}
	}
}
