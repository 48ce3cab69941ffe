// Package ratelimit implements a keyed sliding-window request limiter.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Limiter admits requests per key while the number of hits inside the
// window stays under the limit. Limit and window are passed per call so a
// single limiter can serve key classes with different budgets.
type Limiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// New creates a limiter. A nil now falls back to time.Now.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		hits: make(map[string][]time.Time),
		now:  now,
	}
}

// Allow reports whether another hit on key is admitted: true iff the number
// of recorded hits younger than window is strictly less than limit. On
// admission the current instant is recorded. Entries older than the window
// are dropped on every call.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.hits[key] = kept
		return false
	}

	l.hits[key] = append(kept, now)
	return true
}

// Sweep drops keys whose newest hit is older than window, bounding memory
// for keys that stopped arriving.
func (l *Limiter) Sweep(window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	removed := 0
	for key, stamps := range l.hits {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}
