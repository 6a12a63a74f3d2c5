package pairing

import (
	"context"
	"time"
)

// Record is the durable view of a session. It outlives the in-memory Session, so
// operators can look a session up after it left the Registry.
type Record struct {
	SessionID       string
	Phone           string
	State           State
	CodeDeadline    time.Time
	CredentialsPath string
	ArchivePath     string
	ArchiveSize     int64
	ArchiveChecksum string
	DisplayName     string
	Number          string
	Groups          int
	LastError       string
	StartedAt       time.Time
	UpdatedAt       time.Time
	ConnectedAt     time.Time
	EndedAt         time.Time
}

// Store persists session records.
//
// Requirements:
//   - Upsert is keyed by SessionID; the latest write wins
//   - Get returns ErrNotFound for unknown ids
//   - List is ordered by UpdatedAt DESC
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
