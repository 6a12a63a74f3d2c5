package pairing

import (
	"sync"
	"time"
)

// DefaultCodeTTL is how long a pairing code stays valid when no TTL is configured.
const DefaultCodeTTL = 60 * time.Second

// Timer is a cancelable one-shot alarm for a session's pairing code.
//
// At most one alarm is pending. Arm supersedes the previous alarm; every arm gets a new
// generation number and the fire callback receives it, so a consumer can tell a stale
// expiry (already superseded when it was delivered) from the live one.
type Timer struct {
	ttl  time.Duration
	now  func() time.Time
	fire func(gen uint64)

	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

// NewTimer constructs a Timer. ttl <= 0 uses DefaultCodeTTL; now == nil uses time.Now.
func NewTimer(ttl time.Duration, now func() time.Time, fire func(gen uint64)) *Timer {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Timer{ttl: ttl, now: now, fire: fire}
}

// TTL returns the configured code validity window.
func (t *Timer) TTL() time.Duration { return t.ttl }

// Deadline returns now + TTL.
func (t *Timer) Deadline() time.Time { return t.now().Add(t.ttl) }

// Arm cancels any pending alarm and schedules a new one at deadline.
// It returns the generation passed to the fire callback.
func (t *Timer) Arm(deadline time.Time) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen

	d := deadline.Sub(t.now())
	if d < 0 {
		d = 0
	}
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			// Superseded or canceled after the runtime already started this func.
			t.mu.Unlock()
			return
		}
		t.t = nil
		t.mu.Unlock()

		if t.fire != nil {
			t.fire(gen)
		}
	})
	return gen
}

// Cancel stops the pending alarm, if any. Safe after firing or when never armed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
}

// Pending reports whether an alarm is armed and has not fired.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}

func (t *Timer) stopLocked() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
