package realtime

import (
	"time"

	"pairgate/cmd/internal/ids"
)

// NewConnectionID returns a ULID naming one websocket connection.
func NewConnectionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return randomEnvelopeID(now)
	}
	return id
}
