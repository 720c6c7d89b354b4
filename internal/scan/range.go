// Package scan searches undecoded payloads for byte offsets whose value
// falls in a range, either an operator supplied one or one derived from an
// external reference metric.
package scan

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Width tags recorded for each match.
const (
	Width1       = "1"
	Width2       = "2"
	Width4       = "4"
	WidthFloatLE = "4f"
	WidthFloatBE = "4F"
)

// Scanner interprets payload bytes at every offset. Signed applies to all
// integer widths.
type Scanner struct {
	Signed bool
}

// FitsByte reports whether 1-byte scanning applies to [lo, hi].
func FitsByte(lo, hi float64) bool {
	return lo >= -256 && lo <= 255 && hi >= -256 && hi <= 255
}

// Scan calls match for every (offset, width) whose value lies in [lo, hi]
// and reports whether anything matched. The float interpretation also
// matches on its floor.
func (s Scanner) Scan(payload []byte, lo, hi float64, match func(offset int, width string)) bool {
	found := false
	hit := func(v float64, off int, width string) bool {
		if v >= lo && v <= hi {
			match(off, width)
			found = true
			return true
		}
		return false
	}

	if FitsByte(lo, hi) {
		for i := range payload {
			v := float64(payload[i])
			if s.Signed {
				v = float64(int8(payload[i]))
			}
			hit(v, i, Width1)
		}
	}

	for i := 0; i+2 <= len(payload); i++ {
		u := binary.LittleEndian.Uint16(payload[i:])
		v := float64(u)
		if s.Signed {
			v = float64(int16(u))
		}
		hit(v, i, Width2)
	}

	for i := 0; i+4 <= len(payload); i++ {
		u := binary.LittleEndian.Uint32(payload[i:])
		v := float64(u)
		if s.Signed {
			v = float64(int32(u))
		}
		hit(v, i, Width4)

		f := float64(math.Float32frombits(u))
		if !hit(f, i, WidthFloatLE) {
			hit(math.Floor(f), i, WidthFloatLE)
		}
		hit(float64(math.Float32frombits(binary.BigEndian.Uint32(payload[i:]))), i, WidthFloatBE)
	}

	return found
}

// MatchKey renders the report key for a match, e.g. "2_014".
func MatchKey(offset int, width string) string {
	return fmt.Sprintf("%s_%03d", width, offset)
}

// Accumulator counts range matches per stream type. Safe for concurrent use.
type Accumulator struct {
	scanner Scanner
	lo, hi  float64
	mu      sync.RWMutex
	counts  map[string]map[string]int64
}

// NewAccumulator scans every payload for values in [lo, hi].
func NewAccumulator(scanner Scanner, lo, hi float64) *Accumulator {
	return &Accumulator{
		scanner: scanner,
		lo:      lo,
		hi:      hi,
		counts:  make(map[string]map[string]int64),
	}
}

// Observe scans payload on behalf of streamType and reports whether any
// offset matched.
func (a *Accumulator) Observe(streamType string, payload []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanner.Scan(payload, a.lo, a.hi, func(off int, width string) {
		rec, ok := a.counts[streamType]
		if !ok {
			rec = make(map[string]int64)
			a.counts[streamType] = rec
		}
		rec[MatchKey(off, width)]++
	})
}

// Count returns the matches recorded for one (stream type, offset, width).
func (a *Accumulator) Count(streamType string, offset int, width string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts[streamType][MatchKey(offset, width)]
}

// Report returns a copy of all counters.
func (a *Accumulator) Report() map[string]map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]map[string]int64, len(a.counts))
	for st, rec := range a.counts {
		cp := make(map[string]int64, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out[st] = cp
	}
	return out
}

// StreamTypes returns the sorted stream types with at least one match.
func (a *Accumulator) StreamTypes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.counts))
	for k := range a.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
