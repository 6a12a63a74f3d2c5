package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"
)

var codeRE = regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopback_OpenWritesCredentials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLoopback(testLogger())

	h, err := l.Open(context.Background(), "s1", dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = h.Close() }()

	if _, err := os.Stat(filepath.Join(dir, "creds.json")); err != nil {
		t.Fatalf("creds.json missing: %v", err)
	}
}

func TestLoopback_RequestCodeAndPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewLoopback(testLogger(), WithLoopbackGroups([]Group{{Name: "family", Participants: 4}}))
	ctx := context.Background()

	h, err := l.Open(ctx, "s1", dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = h.Close() }()

	if err := l.Pair(ctx, "s1"); !errors.Is(err, ErrNotPairing) {
		t.Fatalf("Pair before code: got %v want ErrNotPairing", err)
	}

	code, err := h.RequestCode(ctx, "258821234567")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if !codeRE.MatchString(code) {
		t.Fatalf("code %q does not match XXXX-XXXX", code)
	}

	if _, err := h.HostDevice(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("HostDevice before pair: got %v want ErrNotConnected", err)
	}

	if err := l.Pair(ctx, "s1"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	select {
	case ev := <-h.Events():
		open, ok := ev.(ConnectionOpen)
		if !ok {
			t.Fatalf("event %T want ConnectionOpen", ev)
		}
		if open.Metadata.Device.Number != "258821234567" {
			t.Fatalf("number=%q", open.Metadata.Device.Number)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no ConnectionOpen event")
	}

	if _, err := os.Stat(filepath.Join(dir, "device", "identity.json")); err != nil {
		t.Fatalf("device keys missing: %v", err)
	}

	groups, err := h.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "family" {
		t.Fatalf("groups=%+v", groups)
	}
}

func TestLoopback_UnknownSession(t *testing.T) {
	t.Parallel()

	l := NewLoopback(testLogger())
	if err := l.Pair(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("got %v want ErrUnknownSession", err)
	}
}

func TestLoopback_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	l := NewLoopback(testLogger())
	h, err := l.Open(context.Background(), "s1", t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.RequestCode(context.Background(), "123"); !errors.Is(err, ErrClosed) {
		t.Fatalf("RequestCode after close: got %v want ErrClosed", err)
	}
}

func TestPolling_TranslatesStatusChanges(t *testing.T) {
	t.Parallel()

	src := &fakeSource{status: Status{State: StatusPending}}
	p := NewPolling(testLogger(), func(context.Context, string, string) (StatusSource, error) {
		return src, nil
	}, 10*time.Millisecond)

	h, err := p.Open(context.Background(), "s1", t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = h.Close() }()

	src.set(Status{State: StatusPending, Code: "ABCD-EFGH"})
	ev := nextEvent(t, h)
	if ci, ok := ev.(CodeIssued); !ok || ci.Code != "ABCD-EFGH" {
		t.Fatalf("event %#v want CodeIssued ABCD-EFGH", ev)
	}

	src.set(Status{State: StatusConnected, Device: Device{PushName: "Ana", Number: "258821234567"}})
	ev = nextEvent(t, h)
	if open, ok := ev.(ConnectionOpen); !ok || open.Metadata.Device.PushName != "Ana" {
		t.Fatalf("event %#v want ConnectionOpen", ev)
	}

	src.set(Status{State: StatusDisconnected, Detail: "logged out"})
	ev = nextEvent(t, h)
	if closed, ok := ev.(ConnectionClosed); !ok || closed.Reason != "logged out" {
		t.Fatalf("event %#v want ConnectionClosed", ev)
	}
}

func TestPolling_RepeatedErrorsBecomeFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("status endpoint down")}
	p := NewPolling(testLogger(), func(context.Context, string, string) (StatusSource, error) {
		return src, nil
	}, 5*time.Millisecond)

	h, err := p.Open(context.Background(), "s1", t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = h.Close() }()

	ev := nextEvent(t, h)
	if _, ok := ev.(Failure); !ok {
		t.Fatalf("event %#v want Failure", ev)
	}
}

func nextEvent(t *testing.T, h Handle) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	status Status
	err    error
}

func (f *fakeSource) set(st Status) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

func (f *fakeSource) Status(context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeSource) RequestCode(context.Context, string) (string, error) { return "ABCD-EFGH", nil }
func (f *fakeSource) HostDevice(context.Context) (Device, error)          { return Device{}, nil }
func (f *fakeSource) Groups(context.Context) ([]Group, error)             { return nil, nil }
func (f *fakeSource) Close() error                                        { return nil }
