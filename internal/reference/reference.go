// Package reference loads the external per-minute metric snapshots the
// correlator compares payloads against.
package reference

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirSource reads flat JSON objects from <dir>/<path>.json, where path is a
// YY/MMDD/HHmm calendar path. Loaded snapshots are cached for the run;
// missing ones are retried on every lookup and reported once.
type DirSource struct {
	dir    string
	mu     sync.Mutex
	cache  map[string]map[string]any
	warned map[string]bool
	logger zerolog.Logger
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{
		dir:    dir,
		cache:  make(map[string]map[string]any),
		warned: make(map[string]bool),
		logger: log.With().Str("component", "reference").Logger(),
	}
}

// Snapshot returns the metrics for path.
func (s *DirSource) Snapshot(path string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.cache[path]; ok {
		return snap, true
	}

	snap, err := s.load(path)
	if err != nil {
		if !s.warned[path] {
			s.warned[path] = true
			s.logger.Warn().Err(err).Str("path", path).Msg("No reference snapshot")
		}
		return nil, false
	}

	s.cache[path] = snap
	return snap, true
}

// Cached returns the number of loaded snapshots.
func (s *DirSource) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *DirSource) load(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(path)+".json"))
	if err != nil {
		return nil, err
	}
	var snap map[string]any
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("decode %s: not an object", path)
	}
	return snap, nil
}
