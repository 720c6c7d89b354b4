package domain

import (
	"sort"
	"sync"
)

// Counters is a set of named histograms (group -> key -> count), safe for
// concurrent use. The decode loop increments; reporting reads snapshots.
type Counters struct {
	mu     sync.RWMutex
	groups map[string]map[string]int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{groups: make(map[string]map[string]int64)}
}

// Incr adds one to key within group.
func (c *Counters) Incr(group, key string) {
	c.Add(group, key, 1)
}

// Add adds n to key within group.
func (c *Counters) Add(group, key string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		g = make(map[string]int64)
		c.groups[group] = g
	}
	g[key] += n
}

// Get returns the count of key within group.
func (c *Counters) Get(group, key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[group][key]
}

// Total sums every key of group.
func (c *Counters) Total(group string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, v := range c.groups[group] {
		n += v
	}
	return n
}

// Snapshot returns a deep copy of all groups.
func (c *Counters) Snapshot() map[string]map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]int64, len(c.groups))
	for name, g := range c.groups {
		cp := make(map[string]int64, len(g))
		for k, v := range g {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}

// Groups returns the sorted group names.
func (c *Counters) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
