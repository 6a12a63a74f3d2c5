package pairing

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu   sync.Mutex
	gens []uint64
	ch   chan uint64
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan uint64, 16)}
}

func (r *fireRecorder) fire(gen uint64) {
	r.mu.Lock()
	r.gens = append(r.gens, gen)
	r.mu.Unlock()
	r.ch <- gen
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gens)
}

func TestTimer_FiresOnceAfterTTL(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	ttl := 30 * time.Millisecond
	tm := NewTimer(ttl, nil, rec.fire)

	start := time.Now()
	gen := tm.Arm(tm.Deadline())

	select {
	case got := <-rec.ch:
		if got != gen {
			t.Fatalf("fired gen=%d want %d", got, gen)
		}
		if elapsed := time.Since(start); elapsed < ttl {
			t.Fatalf("fired after %v, before ttl %v", elapsed, ttl)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}

	time.Sleep(3 * ttl)
	if n := rec.count(); n != 1 {
		t.Fatalf("fired %d times want 1", n)
	}
	if tm.Pending() {
		t.Fatalf("timer still pending after firing")
	}
}

func TestTimer_CancelBeforeDeadline(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	tm := NewTimer(40*time.Millisecond, nil, rec.fire)

	tm.Arm(tm.Deadline())
	if !tm.Pending() {
		t.Fatalf("expected pending alarm")
	}
	tm.Cancel()

	time.Sleep(120 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("fired %d times after cancel", n)
	}

	// Cancel again and cancel on a never-armed timer are no-ops.
	tm.Cancel()
	NewTimer(0, nil, nil).Cancel()
}

func TestTimer_RearmSupersedes(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	tm := NewTimer(40*time.Millisecond, nil, rec.fire)

	first := tm.Arm(tm.Deadline())
	time.Sleep(10 * time.Millisecond)
	second := tm.Arm(tm.Deadline())
	if second == first {
		t.Fatalf("re-arm must produce a new generation")
	}

	select {
	case got := <-rec.ch:
		if got != second {
			t.Fatalf("fired gen=%d want latest %d", got, second)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}

	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("fired %d times want 1", n)
	}
}

func TestTimer_PastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()

	rec := newFireRecorder()
	tm := NewTimer(time.Hour, nil, rec.fire)
	tm.Arm(time.Now().Add(-time.Second))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("past deadline did not fire")
	}
}

func TestTimer_DefaultTTL(t *testing.T) {
	t.Parallel()

	if got := NewTimer(0, nil, nil).TTL(); got != DefaultCodeTTL {
		t.Fatalf("ttl=%v want %v", got, DefaultCodeTTL)
	}
}
