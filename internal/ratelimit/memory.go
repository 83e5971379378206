package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local sliding-log limiter.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	keys      map[string]*window
	lastSweep time.Time
}

type window struct {
	hits         []time.Time
	blockedUntil time.Time
}

// NewMemoryLimiter creates a limiter using cfg.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*window),
	}
}

// WithClock replaces the time source. Used by tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow records a request for key if it fits the budget. A blocked key
// fails fast without recording anything.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w, ok := l.keys[key]
	if !ok {
		w = &window{}
		l.keys[key] = w
	}

	if now.Before(w.blockedUntil) {
		return Decision{RetryAfter: w.blockedUntil.Sub(now)}, nil
	}

	w.prune(now.Add(-l.cfg.Window))
	if len(w.hits) >= l.cfg.Capacity {
		if l.cfg.Block > 0 {
			w.blockedUntil = now.Add(l.cfg.Block)
			return Decision{RetryAfter: l.cfg.Block}, nil
		}
		return Decision{RetryAfter: w.hits[0].Add(l.cfg.Window).Sub(now)}, nil
	}

	w.hits = append(w.hits, now)
	return Decision{Allowed: true}, nil
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// prune drops hits at or before cutoff. Hits are in arrival order.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// sweep removes idle keys at most once per window. Caller holds mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.Window {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-l.cfg.Window)
	for key, w := range l.keys {
		if now.Before(w.blockedUntil) {
			continue
		}
		w.prune(cutoff)
		if len(w.hits) == 0 {
			delete(l.keys, key)
		}
	}
}
