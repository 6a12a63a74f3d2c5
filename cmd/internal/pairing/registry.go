package pairing

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pairgate/cmd/internal/connector"
	"pairgate/cmd/internal/observability"
)

// StartInput describes a start request.
type StartInput struct {
	SessionID string
	Phone     string // optional; submitted right after the connector opens
}

// Registry maps session ids to live sessions. It is the only cross-session state.
type Registry struct {
	cfg    Config
	log    *slog.Logger
	conn   connector.Connector
	arch   Archiver
	notify Notifier
	store  Store
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithNotifier sets the sink for session notices.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.notify = n
		}
	}
}

// WithStore sets the record Store. Default is an InMemoryStore.
func WithStore(st Store) Option {
	return func(r *Registry) {
		if st != nil {
			r.store = st
		}
	}
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config, conn connector.Connector, arch Archiver, opts ...Option) (*Registry, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("pairing: nil connector")
	}
	if arch == nil {
		return nil, errors.New("pairing: nil archiver")
	}

	r := &Registry{
		cfg:      cfg,
		log:      slog.Default(),
		conn:     conn,
		arch:     arch,
		notify:   discardNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.store == nil {
		r.store = NewInMemoryStore()
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Start creates and starts a session.
//
// The slot is reserved before any I/O, so a concurrent Start for the same id
// observes ErrAlreadyActive. If in.Phone is set it is submitted as the identifier.
func (r *Registry) Start(ctx context.Context, in StartInput) (*Session, error) {
	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		observability.RecordSessionStart("invalid")
		return nil, opError("pairing.Start", ErrInvalidRequest, "missing session id")
	}
	if !ValidSessionID(id) {
		observability.RecordSessionStart("invalid")
		return nil, opError("pairing.Start", ErrInvalidRequest, "invalid session id %q", id)
	}
	var phone string
	if strings.TrimSpace(in.Phone) != "" {
		p, err := ValidatePhone(in.Phone, r.cfg.CountryCode)
		if err != nil {
			observability.RecordSessionStart("invalid")
			return nil, err
		}
		phone = p
	}

	s := newSession(r, id)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.cancel()
		return nil, opError("pairing.Start", ErrSessionClosed, "registry is shut down")
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		s.cancel()
		observability.RecordSessionStart("already_active")
		return nil, opError("pairing.Start", ErrAlreadyActive, "%s", id)
	}
	r.sessions[id] = s
	r.mu.Unlock()
	observability.SessionOpened()

	r.log.Info("session.start", "session_id", id, "with_phone", phone != "")

	if err := s.start(ctx); err != nil {
		observability.RecordSessionStart("failed")
		return nil, err
	}
	observability.RecordSessionStart("ok")

	if phone != "" {
		if err := s.SubmitIdentifier(ctx, phone); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Stop ends the session, closes its connector handle and removes the mapping before
// returning, even when a connector call is still in flight. It then waits (bounded by ctx)
// for the session goroutine to exit; a goroutine stuck in the connector past ctx is left
// to finish on its own and can no longer touch the id. Stopping an unknown id is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return opError("pairing.Stop", ErrInvalidRequest, "missing session id")
	}

	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	r.log.Info("session.stop", "session_id", id)
	s.stop("stopped")

	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		r.log.Warn("session.stop.slow", "session_id", id, "err", ctx.Err())
	}
	return nil
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s == nil {
		return nil, opError("pairing.Lookup", ErrNotFound, "%s", id)
	}
	return s, nil
}

// List returns snapshots of all live sessions ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe returns the live session's record, or the last stored record once the
// session has left the Registry.
func (r *Registry) Describe(ctx context.Context, id string) (Record, error) {
	if s, err := r.Lookup(id); err == nil {
		return s.Snapshot().Record(), nil
	}
	return r.store.Get(ctx, id)
}

// History lists stored records, most recent first.
func (r *Registry) History(ctx context.Context, limit int) ([]Record, error) {
	return r.store.List(ctx, limit)
}

// Shutdown stops every live session and refuses new starts.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return r.Stop(ctx, id) })
	}
	return g.Wait()
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	observability.SessionReleased()
	r.log.Info("session.release", "session_id", s.id, "state", s.State().String())
}

func credentialsPath(root, id string) string {
	return filepath.Join(root, id)
}
