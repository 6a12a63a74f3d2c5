package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID_EncodesTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want 26", len(id))
	}

	parsed, err := ulid.Parse(id)
	if err != nil {
		t.Fatalf("ulid.Parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()).UTC(); !got.Equal(now) {
		t.Fatalf("timestamp=%v want %v", got, now)
	}
}

func TestMustULID_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	now := time.Now().UTC()
	for i := 0; i < 64; i++ {
		id := MustULID(now)
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestFallbackULID_DistinctWithinOneMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		id := fallbackULID(now)
		parsed, err := ulid.Parse(id)
		if err != nil {
			t.Fatalf("ulid.Parse(%q): %v", id, err)
		}
		if got := ulid.Time(parsed.Time()).UTC(); !got.Equal(now) {
			t.Fatalf("timestamp=%v want %v", got, now)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q at i=%d", id, i)
		}
		seen[id] = struct{}{}
	}
}
