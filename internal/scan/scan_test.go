package scan

import (
	"encoding/binary"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type match struct {
	offset int
	width  string
}

func collect(s Scanner, payload []byte, lo, hi float64) ([]match, bool) {
	var got []match
	ok := s.Scan(payload, lo, hi, func(off int, w string) {
		got = append(got, match{off, w})
	})
	return got, ok
}

func TestScanTwoBytePayload(t *testing.T) {
	got, ok := collect(Scanner{}, []byte{0x10, 0x00}, 16, 16)
	require.True(t, ok)
	assert.Contains(t, got, match{0, Width2})
	assert.Contains(t, got, match{0, Width1})
	assert.Len(t, got, 2)
}

func TestScanSkipsByteWidthForWideRange(t *testing.T) {
	payload := []byte{0x10, 0x01}
	got, ok := collect(Scanner{}, payload, 200, 300)
	require.True(t, ok)
	assert.Equal(t, []match{{0, Width2}}, got)
	assert.False(t, FitsByte(200, 300))
	assert.True(t, FitsByte(-256, 255))
}

func TestScanSigned(t *testing.T) {
	payload := []byte{0xFE, 0xFF}
	got, _ := collect(Scanner{Signed: true}, payload, -2, -2)
	assert.Contains(t, got, match{0, Width1})
	assert.Contains(t, got, match{0, Width2})

	got, ok := collect(Scanner{}, payload, -2, -2)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestScanFloats(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], math.Float32bits(230.7))
	binary.BigEndian.PutUint32(payload[4:], math.Float32bits(49.9))

	got, _ := collect(Scanner{}, payload, 230, 230)
	assert.Contains(t, got, match{0, WidthFloatLE}, "floor of the float matches")

	got, _ = collect(Scanner{}, payload, 49, 51)
	assert.Contains(t, got, match{4, WidthFloatBE})
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator(Scanner{}, 16, 16)
	assert.True(t, acc.Observe("B-B3F96-20:05", []byte{0x10, 0x00}))
	assert.True(t, acc.Observe("B-B3F96-20:05", []byte{0x10, 0x00}))
	assert.False(t, acc.Observe("A-0F10-42", []byte{0x11, 0x00}))

	assert.Equal(t, int64(2), acc.Count("B-B3F96-20:05", 0, Width2))
	assert.Equal(t, int64(2), acc.Count("B-B3F96-20:05", 0, Width1))
	assert.Equal(t, []string{"B-B3F96-20:05"}, acc.StreamTypes())

	rep := acc.Report()
	assert.Equal(t, int64(2), rep["B-B3F96-20:05"]["2_000"])
}

// mapSource serves snapshots from memory.
type mapSource map[string]map[string]any

func (m mapSource) Snapshot(path string) (map[string]any, bool) {
	s, ok := m[path]
	return s, ok
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func TestCorrelatorPrunesCoincidentalOffsets(t *testing.T) {
	start := time.Date(2024, 3, 7, 21, 0, 0, 0, time.UTC)
	src := mapSource{}
	var frames [][]byte
	for m := 0; m < 100; m++ {
		at := start.Add(time.Duration(m) * time.Minute)
		soc := float64(500 + m)
		src[CalendarPath(at)] = map[string]any{"bms.soc": soc, "bms.zero": 0.0, "bms.name": "x"}
		// offset 0 always carries soc, offset 4 only in the first minute
		p := append(u16(uint16(soc)), 0x00, 0x00)
		if m == 0 {
			p = append(p, u16(uint16(soc))...)
		} else {
			p = append(p, 0x00, 0x00)
		}
		frames = append(frames, p)
	}

	c := NewCorrelator(src, CorrelatorOptions{})
	for m, p := range frames {
		at := start.Add(time.Duration(m)*time.Minute + 10*time.Second)
		c.Observe(at, "3c-02-01", p)
		c.Observe(at.Add(5*time.Second), "3c-02-01", p)
	}

	rep := c.Report()
	assert.Equal(t, []int{0}, rep.Fields["bms.soc"]["3c-02-01"])
	assert.NotContains(t, rep.Fields, "bms.zero")
	assert.Equal(t, 100, rep.StreamMinutes["3c-02-01"])
	assert.Equal(t, []string{"3c-02-01"}, rep.Intersections["bms"])
}

func TestCorrelatorSkewBooksCurrentMinute(t *testing.T) {
	at := time.Date(2024, 3, 7, 21, 5, 30, 0, time.UTC)
	src := mapSource{
		CalendarPath(at.Add(-time.Minute)): {"grid.volts": 230.0},
	}
	c := NewCorrelator(src, CorrelatorOptions{Skew: 1})
	c.Observe(at, "s", u16(231))

	rep := c.Report()
	assert.Equal(t, []int{0}, rep.Fields["grid.volts"]["s"])
	assert.Equal(t, int64(1), rep.Minutes["24/0307/2105"])

	c = NewCorrelator(src, CorrelatorOptions{})
	c.Observe(at, "s", u16(231))
	assert.Empty(t, c.Report().Fields)
}

// literal keeps full path sets, the straightforward reading of the
// correlation rules, for comparison with the counting implementation.
type literal struct {
	observed map[fieldStream]map[string]bool
	matches  map[fieldStream]map[int]map[string]bool
}

func (l *literal) observe(src mapSource, at time.Time, stream string, payload []byte) {
	path := CalendarPath(at)
	snap, ok := src[path]
	if !ok {
		return
	}
	for field, raw := range snap {
		v, ok := numeric(raw)
		if !ok || v == 0 {
			continue
		}
		key := fieldStream{field, stream}
		if l.observed[key] == nil {
			l.observed[key] = map[string]bool{}
		}
		l.observed[key][path] = true
		tol := math.Abs(v) / 50
		Scanner{}.Scan(payload, math.Floor(v-tol), math.Ceil(v+tol), func(off int, _ string) {
			if l.matches[key] == nil {
				l.matches[key] = map[int]map[string]bool{}
			}
			if l.matches[key][off] == nil {
				l.matches[key][off] = map[string]bool{}
			}
			l.matches[key][off][path] = true
		})
	}
}

func (l *literal) fields() map[string]map[string][]int {
	out := map[string]map[string][]int{}
	for key, offs := range l.matches {
		var keep []int
		for off, paths := range offs {
			if float64(len(paths)) >= float64(len(l.observed[key]))*DefaultMinCoverage {
				keep = append(keep, off)
			}
		}
		if len(keep) == 0 {
			continue
		}
		sort.Ints(keep)
		if out[key.field] == nil {
			out[key.field] = map[string][]int{}
		}
		out[key.field][key.stream] = keep
	}
	return out
}

func TestCountingMatchesLiteralSets(t *testing.T) {
	start := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	src := mapSource{}
	for m := 0; m < 6; m++ {
		at := start.Add(time.Duration(m) * time.Minute)
		src[CalendarPath(at)] = map[string]any{
			"a.v": float64(100 + m),
			"a.w": float64(300),
			"b.x": float64(7),
		}
	}

	lit := &literal{
		observed: map[fieldStream]map[string]bool{},
		matches:  map[fieldStream]map[int]map[string]bool{},
	}
	c := NewCorrelator(src, CorrelatorOptions{})

	// two interleaved streams, several frames per minute, varying payloads
	for i := 0; i < 60; i++ {
		at := start.Add(time.Duration(i) * 6 * time.Second)
		m := i / 10
		s1 := append(u16(uint16(100+m)), u16(300)...)
		s2 := append(u16(uint16(7+i%3)), byte(i))
		for _, f := range []struct {
			stream  string
			payload []byte
		}{{"s1", s1}, {"s2", s2}} {
			c.Observe(at, f.stream, f.payload)
			lit.observe(src, at, f.stream, f.payload)
		}
	}

	assert.Equal(t, lit.fields(), c.Report().Fields)
}

func TestCorrelatorCountsMinutesOutOfOrder(t *testing.T) {
	start := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	src := mapSource{
		CalendarPath(start):                  {"a.v": float64(100)},
		CalendarPath(start.Add(time.Minute)): {"a.v": float64(100)},
	}
	c := NewCorrelator(src, CorrelatorOptions{})

	// two interleaved sources replaying the same stream
	for _, at := range []time.Time{start, start.Add(time.Minute), start, start.Add(time.Minute)} {
		c.Observe(at, "s1", u16(100))
	}

	rep := c.Report()
	assert.Equal(t, 2, rep.StreamMinutes["s1"])
	assert.Equal(t, map[string][]int{"s1": {0}}, rep.Fields["a.v"])
}
