// Package ratelimit implements per-key sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 5
	DefaultWindow = 10 * time.Second
)

// Limiter admits at most limit events per key within any window-long span.
// Each key keeps a queue of acceptance times; expired entries are dropped
// lazily on the next check for that key.
type Limiter struct {
	mu     sync.Mutex
	queues map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// New returns a Limiter. Non-positive arguments select the defaults.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		queues: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source. It is meant for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Allow records an event for key and reports whether it was admitted.
// Rejected events do not consume quota.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	q := evict(l.queues[key], now.Add(-l.window))
	if len(q) >= l.limit {
		l.queues[key] = q
		return false
	}
	l.queues[key] = append(q, now)
	return true
}

// Remaining returns how many events key may still send in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := evict(l.queues[key], l.now().Add(-l.window))
	l.queues[key] = q
	return l.limit - len(q)
}

// Prune drops keys whose queues have fully expired.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	pruned := 0
	for key, q := range l.queues {
		if q = evict(q, cutoff); len(q) == 0 {
			delete(l.queues, key)
			pruned++
			continue
		}
		l.queues[key] = q
	}
	return pruned
}

// evict drops timestamps at or before cutoff. Queues are in ascending order.
func evict(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && !q[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	return append(q[:0], q[i:]...)
}
