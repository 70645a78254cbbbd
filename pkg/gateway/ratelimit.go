package gateway

import (
	"sync"
	"time"
)

// windowCounter tracks one key's fixed window.
type windowCounter struct {
	windowStart time.Time
	count       int
}

// FixedWindowLimiter allows up to `limit` events per `window` per key. The
// window is anchored at the first event after the previous window expired,
// so the first request of a fresh window always succeeds.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowCounter
	clock    func() time.Time
}

// NewFixedWindowLimiter creates a limiter.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return NewFixedWindowLimiterWithClock(limit, window, time.Now)
}

func NewFixedWindowLimiterWithClock(limit int, window time.Duration, clock func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*windowCounter),
		clock:    clock,
	}
}

// Allow consumes one slot for the key if the current window has capacity.
func (l *FixedWindowLimiter) Allow(key string) (bool, string) {
	now := l.clock().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= l.window {
		l.counters[key] = &windowCounter{windowStart: now, count: 1}
		return true, ReasonOK
	}

	if c.count >= l.limit {
		return false, ReasonRateLimited
	}
	c.count++
	return true, ReasonOK
}
