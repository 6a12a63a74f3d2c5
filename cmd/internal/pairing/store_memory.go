package pairing

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is the fallback Store when no database is configured.
// Records live for the process lifetime.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// Upsert stores rec, replacing any previous record for the session.
func (s *InMemoryStore) Upsert(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return opError("pairing.Store.Upsert", ErrInvalidRequest, "missing session id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.SessionID] = rec
	s.mu.Unlock()
	return nil
}

// Get returns the record for sessionID.
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	rec, ok := s.records[sessionID]
	s.mu.Unlock()
	if !ok {
		return Record{}, opError("pairing.Store.Get", ErrNotFound, "%s", sessionID)
	}
	return rec, nil
}

// List returns up to limit records, most recently updated first.
func (s *InMemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampListLimit(limit)

	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
