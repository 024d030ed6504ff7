// Package ratelimit implements gate.RateLimiter as an in-memory sliding
// window over per-key request timestamps.
//
// The throttle is independent of subscription tier: it bounds raw request
// volume per caller so abusive traffic is rejected before it reaches the
// quota layer or the persisted store. Keys with fully expired windows are
// swept by a janitor goroutine so the key map stays bounded.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gate "github.com/unstuckgg/gate-go"
)

// Limiter tracks request instants per key within a trailing window.
type Limiter struct {
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	times    []time.Time
	lastSeen time.Time
}

// compile-time check
var _ gate.RateLimiter = (*Limiter)(nil)

// Option configures the Limiter.
type Option func(*Limiter)

// WithIdleTTL sets how long an untouched key is kept before the janitor
// removes it. Default: 15 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithCleanupEvery sets the janitor sweep interval. Default: 2 minutes.
func WithCleanupEvery(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupEvery = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a sliding-window limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
		windows:      make(map[string]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// IsLimited evaluates key against the window. Entries older than
// now-window are dropped first. retryAfterSeconds reports when the oldest
// counted instant leaves the window: on a rejection that is when to retry,
// on an admission (the current instant is appended and the updated count
// returned) it is when the key's window fully clears.
func (l *Limiter) IsLimited(key string, limit int, windowDur time.Duration) (limited bool, current int, retryAfterSeconds int) {
	now := l.now()

	// A non-positive limit admits nothing.
	if limit <= 0 {
		return true, 0, int(windowDur.Seconds())
	}

	cutoff := now.Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.lastSeen = now

	// Front-evict expired entries; timestamps are appended in order.
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}

	if len(w.times) >= limit {
		return true, len(w.times), secondsUntilExpiry(w.times[0], now, windowDur)
	}

	w.times = append(w.times, now)
	return false, len(w.times), secondsUntilExpiry(w.times[0], now, windowDur)
}

// secondsUntilExpiry reports when the instant at oldest falls out of the
// trailing window.
func secondsUntilExpiry(oldest, now time.Time, windowDur time.Duration) int {
	s := int(windowDur.Seconds()-now.Sub(oldest).Seconds()) + 1
	if s < 0 {
		s = 0
	}
	return s
}

// Len returns the number of tracked keys. Exposed for metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Cleanup removes keys that have not been touched within the idle TTL.
func (l *Limiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if w.lastSeen.Before(cutoff) {
			delete(l.windows, k)
		}
	}
}

// StartJanitor launches a goroutine that periodically sweeps idle keys.
// It stops when the context is cancelled.
func (l *Limiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}

// KeyForRequest derives the throttle key for an HTTP request: the verified
// subject when known, otherwise the caller's network address.
func KeyForRequest(subject string, r *http.Request) string {
	if subject != "" {
		return "rate_limit:user:" + subject
	}
	return "rate_limit:ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
