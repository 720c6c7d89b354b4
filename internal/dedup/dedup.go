// Package dedup suppresses frames whose fingerprint was already seen within
// a sliding time window.
package dedup

import (
	"time"

	"github.com/zeebo/blake3"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 5 * time.Second

type digest [32]byte

type entry struct {
	at   time.Time
	sum  digest
	dead bool
}

// Stats are the running totals of a window.
type Stats struct {
	Added      int64 `json:"added"`
	Purged     int64 `json:"purged"`
	Duplicates int64 `json:"duplicates"`
	Live       int   `json:"live"`
}

// Window is a time-ordered list of recent fingerprints. Each call is linear
// in the number of live entries, which stays small relative to traffic.
// It is not safe for concurrent use.
type Window struct {
	width   time.Duration
	entries []entry
	stats   Stats
}

// New creates a window; width <= 0 selects DefaultWindow.
func New(width time.Duration) *Window {
	if width <= 0 {
		width = DefaultWindow
	}
	return &Window{width: width}
}

// Width returns the configured window.
func (w *Window) Width() time.Duration {
	return w.width
}

// IsDuplicate reports whether fingerprint was seen within the window before
// at. Entries older than the window are purged first and never match. A new
// fingerprint is recorded; a duplicate is not.
func (w *Window) IsDuplicate(at time.Time, fingerprint []byte) bool {
	sum := digest(blake3.Sum256(fingerprint))

	purged := 0
	found := false
	for i := range w.entries {
		e := &w.entries[i]
		if at.Sub(e.at) > w.width {
			e.dead = true
			purged++
			continue
		}
		if e.sum == sum {
			found = true
			break
		}
	}

	if purged > 0 || found {
		w.compact()
	}
	w.stats.Purged += int64(purged)

	if found {
		w.stats.Duplicates++
		return true
	}
	w.entries = append(w.entries, entry{at: at, sum: sum})
	w.stats.Added++
	return false
}

func (w *Window) compact() {
	live := w.entries[:0]
	for _, e := range w.entries {
		if !e.dead {
			live = append(live, e)
		}
	}
	w.entries = live
}

// Stats returns the running totals.
func (w *Window) Stats() Stats {
	s := w.stats
	s.Live = len(w.entries)
	return s
}
