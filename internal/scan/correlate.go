package scan

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-buslog/internal/domain"
)

// PathLayout formats a calendar minute as YY/MMDD/HHmm.
const PathLayout = "06/0102/1504"

// DefaultMinCoverage keeps offsets that matched in at least 99% of the
// minutes a field was observed for a stream.
const DefaultMinCoverage = 0.99

// CalendarPath returns the reference path of the minute containing at.
func CalendarPath(at time.Time) string {
	return at.Format(PathLayout)
}

// pathCount counts distinct calendar paths, whatever order they arrive in.
type pathCount struct {
	seen map[string]struct{}
	n    int
}

func (p *pathCount) add(path string) {
	if p.seen == nil {
		p.seen = make(map[string]struct{})
	}
	if _, ok := p.seen[path]; !ok {
		p.seen[path] = struct{}{}
		p.n++
	}
}

type fieldStream struct {
	field, stream string
}

// CorrelatorOptions configure a Correlator.
type CorrelatorOptions struct {
	Scanner Scanner
	// Skew is how many adjacent minutes on each side are also compared.
	Skew int
	// MinCoverage is the pruning threshold, 0 selects DefaultMinCoverage.
	MinCoverage float64
	Location    *time.Location
}

// Correlator matches payload offsets against reference metrics and keeps
// the offsets that agree across nearly every observed minute.
type Correlator struct {
	source domain.ReferenceSource
	opts   CorrelatorOptions

	mu          sync.Mutex
	streamPaths map[string]*pathCount
	observed    map[fieldStream]*pathCount
	matches     map[fieldStream]map[int]*pathCount
	minutes     map[string]int64
}

// NewCorrelator creates a correlator reading snapshots from source.
func NewCorrelator(source domain.ReferenceSource, opts CorrelatorOptions) *Correlator {
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = DefaultMinCoverage
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Skew < 0 {
		opts.Skew = 0
	}
	return &Correlator{
		source:      source,
		opts:        opts,
		streamPaths: make(map[string]*pathCount),
		observed:    make(map[fieldStream]*pathCount),
		matches:     make(map[fieldStream]map[int]*pathCount),
		minutes:     make(map[string]int64),
	}
}

// Observe compares payload from stream at time at with the reference
// snapshots of that minute and its neighbours. Matches are always booked
// against the frame's own minute.
func (c *Correlator) Observe(at time.Time, stream string, payload []byte) {
	at = at.In(c.opts.Location)
	path := CalendarPath(at)

	c.mu.Lock()
	defer c.mu.Unlock()

	for off := -c.opts.Skew; off <= c.opts.Skew; off++ {
		snap, ok := c.source.Snapshot(CalendarPath(at.Add(time.Duration(off) * time.Minute)))
		if !ok {
			continue
		}
		c.counter(c.streamPaths, stream).add(path)
		c.minutes[path]++

		for field, raw := range snap {
			v, ok := numeric(raw)
			if !ok || v == 0 {
				continue
			}
			key := fieldStream{field: field, stream: stream}
			obs, ok := c.observed[key]
			if !ok {
				obs = &pathCount{}
				c.observed[key] = obs
			}
			obs.add(path)

			tol := math.Abs(v) / 50
			lo, hi := math.Floor(v-tol), math.Ceil(v+tol)
			c.opts.Scanner.Scan(payload, lo, hi, func(offset int, _ string) {
				offs, ok := c.matches[key]
				if !ok {
					offs = make(map[int]*pathCount)
					c.matches[key] = offs
				}
				pc, ok := offs[offset]
				if !ok {
					pc = &pathCount{}
					offs[offset] = pc
				}
				pc.add(path)
			})
		}
	}
}

func (c *Correlator) counter(m map[string]*pathCount, key string) *pathCount {
	pc, ok := m[key]
	if !ok {
		pc = &pathCount{}
		m[key] = pc
	}
	return pc
}

// Report is the discovered mapping from reference fields to payload offsets.
type Report struct {
	// Fields maps field -> stream -> offsets that survived pruning.
	Fields map[string]map[string][]int `json:"fields"`
	// Intersections maps a field root (name minus its last dotted part) to
	// the streams that carry every field under that root.
	Intersections map[string][]string `json:"intersections"`
	// StreamMinutes is the number of distinct minutes compared per stream.
	StreamMinutes map[string]int `json:"streamMinutes"`
	// Minutes counts comparisons per calendar path.
	Minutes map[string]int64 `json:"minutes"`
}

// Report prunes offsets below the coverage threshold and returns the result.
func (c *Correlator) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{
		Fields:        make(map[string]map[string][]int),
		Intersections: make(map[string][]string),
		StreamMinutes: make(map[string]int, len(c.streamPaths)),
		Minutes:       make(map[string]int64, len(c.minutes)),
	}
	for s, pc := range c.streamPaths {
		rep.StreamMinutes[s] = pc.n
	}
	for p, n := range c.minutes {
		rep.Minutes[p] = n
	}

	for key, offs := range c.matches {
		total := c.observed[key].n
		var keep []int
		for off, pc := range offs {
			if float64(pc.n) >= float64(total)*c.opts.MinCoverage {
				keep = append(keep, off)
			}
		}
		if len(keep) == 0 {
			continue
		}
		sort.Ints(keep)
		streams, ok := rep.Fields[key.field]
		if !ok {
			streams = make(map[string][]int)
			rep.Fields[key.field] = streams
		}
		streams[key.stream] = keep
	}

	sets := make(map[string]map[string]bool)
	for field, streams := range rep.Fields {
		root := field
		if i := strings.LastIndex(field, "."); i >= 0 {
			root = field[:i]
		}
		cur, ok := sets[root]
		if !ok {
			cur = make(map[string]bool, len(streams))
			for s := range streams {
				cur[s] = true
			}
			sets[root] = cur
			continue
		}
		for s := range cur {
			if _, ok := streams[s]; !ok {
				delete(cur, s)
			}
		}
	}
	for root, set := range sets {
		list := make([]string, 0, len(set))
		for s := range set {
			list = append(list, s)
		}
		sort.Strings(list)
		rep.Intersections[root] = list
	}

	return rep
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
