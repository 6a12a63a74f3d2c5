package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps how many envelopes one websocket client may send in a sliding
// window. Hello, requests and stops all count; a client over the cap gets a
// rate_limited error and is disconnected.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time // arrival order
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow counts an envelope arriving at now. When the client is over the limit the
// envelope is not counted and wait is how long until the oldest counted one ages out.
func (r *RateLimiter) Allow(now time.Time) (ok bool, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cut) {
		i++
	}
	r.events = append(r.events[:0], r.events[i:]...)

	if len(r.events) >= r.limit {
		return false, r.events[0].Sub(cut)
	}
	r.events = append(r.events, now)
	return true, 0
}
