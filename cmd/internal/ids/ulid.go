// Package ids provides ULID primitives used for envelope and record event ids.
package ids

import (
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps notice streams readable in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error.
// If the system random source fails, the entropy comes from a seeded PRNG read
// monotonically, so ids minted in the same millisecond still differ. They are no
// longer unpredictable; connection and envelope ids do not need to be.
func MustULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewULID(now)
	if err != nil {
		return fallbackULID(now)
	}
	return id
}

var (
	fallbackMu      sync.Mutex
	fallbackEntropy = ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)
)

func fallbackULID(now time.Time) string {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), fallbackEntropy)
	if err != nil {
		// Monotonic overflow within one millisecond; a fresh reader restarts the sequence.
		fallbackEntropy = ulid.Monotonic(mrand.New(mrand.NewSource(now.UnixNano())), 0)
		id = ulid.MustNew(ulid.Timestamp(now), fallbackEntropy)
	}
	return id.String()
}
