package ratelimit

import (
	"context"
	"sync"
	"time"
)

// StatsEvent records one throttle decision. Method and Path are generic
// strings so the stats layer is not tied to HTTP.
type StatsEvent struct {
	Key     string
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

// StatsStore persists throttle decision statistics. Recording is
// best-effort: callers must not fail a request on a stats error.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// Counters is an allowed/denied pair.
type Counters struct {
	Allowed int64
	Denied  int64
}

// MemoryStats is an in-memory StatsStore. It does not expire entries and is
// meant for tests and development.
type MemoryStats struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

// MemoryStatsOption configures MemoryStats.
type MemoryStatsOption func(*MemoryStats)

// WithTrackKeys enables per-key counters. Off by default: key cardinality is
// unbounded.
func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStats) { s.trackKeys = track }
}

// NewMemoryStats creates an in-memory stats store.
func NewMemoryStats(opts ...MemoryStatsOption) *MemoryStats {
	s := &MemoryStats{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record implements StatsStore.
func (s *MemoryStats) Record(_ context.Context, ev StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	bump := func(c *Counters) {
		if ev.Allowed {
			c.Allowed++
		} else {
			c.Denied++
		}
	}

	bump(&s.total)

	c := s.byRoute[route]
	bump(&c)
	s.byRoute[route] = c

	if s.trackKeys {
		k := s.byKey[ev.Key]
		bump(&k)
		s.byKey[ev.Key] = k
	}
	return nil
}

// Total returns the cumulative allowed/denied counters.
func (s *MemoryStats) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByRoute returns a copy of the per-route counters.
func (s *MemoryStats) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// ByKey returns a copy of the per-key counters.
func (s *MemoryStats) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
