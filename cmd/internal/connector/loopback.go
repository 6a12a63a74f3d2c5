package connector

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	loopbackEventQueue = 32

	// Same alphabet class the remote service uses: no 0/O/1/I ambiguity.
	loopbackCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Loopback is an in-process development connector.
//
// It never leaves the machine: Open writes a credentials file, RequestCode mints a random
// XXXX-XXXX code, and pairing completes only when Pair is called for the session (the dev
// HTTP endpoint does that). It lets the whole lifecycle run without a real messaging account.
type Loopback struct {
	log *slog.Logger
	now func() time.Time

	groups []Group

	mu      sync.Mutex
	handles map[string]*loopbackHandle
}

// LoopbackOption configures a Loopback connector.
type LoopbackOption func(*Loopback)

// WithLoopbackGroups sets the groups reported after pairing.
func WithLoopbackGroups(groups []Group) LoopbackOption {
	return func(l *Loopback) {
		l.groups = append([]Group(nil), groups...)
	}
}

// WithLoopbackClock overrides the clock (tests).
func WithLoopbackClock(now func() time.Time) LoopbackOption {
	return func(l *Loopback) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoopback constructs a Loopback connector.
func NewLoopback(log *slog.Logger, opts ...LoopbackOption) *Loopback {
	if log == nil {
		log = slog.Default()
	}
	l := &Loopback{
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		handles: make(map[string]*loopbackHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Open implements Connector.
func (l *Loopback) Open(ctx context.Context, sessionID, credentialsPath string) (Handle, error) {
	h, err := l.open(ctx, sessionID, credentialsPath)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// OpenSource opens a session as a pull-style StatusSource (see Polling).
func (l *Loopback) OpenSource(ctx context.Context, sessionID, credentialsPath string) (StatusSource, error) {
	h, err := l.open(ctx, sessionID, credentialsPath)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l *Loopback) open(ctx context.Context, sessionID, credentialsPath string) (*loopbackHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(credentialsPath) == "" {
		return nil, errors.New("connector: missing session id or credentials path")
	}

	regID, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	creds := map[string]any{
		"session":         sessionID,
		"registration_id": regID,
		"created_at":      l.now(),
	}
	if err := writeJSONFile(filepath.Join(credentialsPath, "creds.json"), creds); err != nil {
		return nil, fmt.Errorf("connector: write credentials: %w", err)
	}

	h := &loopbackHandle{
		owner:     l,
		sessionID: sessionID,
		credsPath: credentialsPath,
		events:    make(chan Event, loopbackEventQueue),
		done:      make(chan struct{}),
		status:    Status{State: StatusPending},
	}

	l.mu.Lock()
	if old := l.handles[sessionID]; old != nil {
		old.closeLocked()
	}
	l.handles[sessionID] = h
	l.mu.Unlock()

	l.log.Debug("connector.loopback.open", "session_id", sessionID, "path", credentialsPath)
	return h, nil
}

// Pair completes pairing for sessionID as if the user had typed the code on their phone.
func (l *Loopback) Pair(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := l.handle(sessionID)
	if h == nil {
		return ErrUnknownSession
	}
	return h.pair()
}

// Disconnect closes the remote side of a paired session.
func (l *Loopback) Disconnect(ctx context.Context, sessionID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := l.handle(sessionID)
	if h == nil {
		return ErrUnknownSession
	}
	if reason == "" {
		reason = "remote logout"
	}
	h.setState(StatusDisconnected, reason)
	h.emit(ConnectionClosed{Reason: reason})
	return nil
}

// Fail injects a fatal connector error for sessionID.
func (l *Loopback) Fail(ctx context.Context, sessionID string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := l.handle(sessionID)
	if h == nil {
		return ErrUnknownSession
	}
	if cause == nil {
		cause = errors.New("injected failure")
	}
	h.setState(StatusFailed, cause.Error())
	h.emit(Failure{Err: cause})
	return nil
}

func (l *Loopback) handle(sessionID string) *loopbackHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[sessionID]
}

type loopbackHandle struct {
	owner     *Loopback
	sessionID string
	credsPath string

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	phone  string
	status Status
}

func (h *loopbackHandle) Events() <-chan Event { return h.events }

func (h *loopbackHandle) RequestCode(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(phone) == "" {
		return "", errors.New("connector: empty phone")
	}

	code, err := newPairingCode()
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrClosed
	}
	h.phone = phone
	h.status.State = StatusPending
	h.status.Code = code
	return code, nil
}

func (h *loopbackHandle) HostDevice(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Device{}, ErrClosed
	}
	if h.status.State != StatusConnected {
		return Device{}, ErrNotConnected
	}
	return h.status.Device, nil
}

func (h *loopbackHandle) Groups(ctx context.Context) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.status.State != StatusConnected {
		return nil, ErrNotConnected
	}
	return append([]Group(nil), h.owner.groups...), nil
}

// Status implements StatusSource for the polling adapter.
func (h *loopbackHandle) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Status{}, ErrClosed
	}
	return h.status, nil
}

func (h *loopbackHandle) Close() error {
	h.owner.mu.Lock()
	h.closeLocked()
	if h.owner.handles[h.sessionID] == h {
		delete(h.owner.handles, h.sessionID)
	}
	h.owner.mu.Unlock()
	return nil
}

// closeLocked requires owner.mu.
func (h *loopbackHandle) closeLocked() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *loopbackHandle) pair() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.phone == "" || h.status.Code == "" {
		h.mu.Unlock()
		return ErrNotPairing
	}
	phone := h.phone
	dev := Device{
		PushName: "pairgate " + lastDigits(phone, 4),
		Number:   phone,
	}
	h.status = Status{State: StatusConnected, Device: dev}
	h.mu.Unlock()

	// The remote side writes the device keys once the link is confirmed.
	keys := map[string]any{
		"number":    phone,
		"paired_at": h.owner.now(),
	}
	if err := writeJSONFile(filepath.Join(h.credsPath, "device", "identity.json"), keys); err != nil {
		return fmt.Errorf("connector: write device keys: %w", err)
	}

	h.emit(ConnectionOpen{Metadata: Metadata{Device: dev}})
	return nil
}

func (h *loopbackHandle) setState(state, detail string) {
	h.mu.Lock()
	h.status.State = state
	h.status.Detail = detail
	h.mu.Unlock()
}

// emit never blocks: in polling mode nobody drains events, and Status carries the truth.
func (h *loopbackHandle) emit(ev Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.events <- ev:
	default:
		h.owner.log.Debug("connector.loopback.event.drop", "session_id", h.sessionID)
	}
}

func newPairingCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 0, 9)
	for i, v := range b {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, loopbackCodeAlphabet[int(v)%len(loopbackCodeAlphabet)])
	}
	return string(out), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
