package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status values reported by a StatusSource.
const (
	StatusPending      = "pending"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
)

const (
	defaultPollInterval  = 1 * time.Second
	defaultPollMaxErrors = 3
	pollEventQueue       = 16
)

// Status is a point-in-time view of a pull-style connection.
type Status struct {
	State  string
	Code   string
	Detail string
	Device Device
}

// StatusSource is a client library that exposes a status getter instead of pushing events.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
	RequestCode(ctx context.Context, phone string) (string, error)
	HostDevice(ctx context.Context) (Device, error)
	Groups(ctx context.Context) ([]Group, error)
	Close() error
}

// OpenSourceFunc opens a StatusSource for one session.
type OpenSourceFunc func(ctx context.Context, sessionID, credentialsPath string) (StatusSource, error)

// Polling adapts a StatusSource into the push-style Handle by diffing successive statuses.
// The state machine cannot tell the difference.
type Polling struct {
	log       *slog.Logger
	open      OpenSourceFunc
	interval  time.Duration
	maxErrors int
}

// NewPolling constructs a polling Connector. interval <= 0 uses 1s.
func NewPolling(log *slog.Logger, open OpenSourceFunc, interval time.Duration) *Polling {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Polling{
		log:       log,
		open:      open,
		interval:  interval,
		maxErrors: defaultPollMaxErrors,
	}
}

// Open implements Connector.
func (p *Polling) Open(ctx context.Context, sessionID, credentialsPath string) (Handle, error) {
	if p == nil || p.open == nil {
		return nil, errors.New("connector: polling source not configured")
	}
	src, err := p.open(ctx, sessionID, credentialsPath)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &pollingHandle{
		StatusSource: src,
		events:       make(chan Event, pollEventQueue),
		cancel:       cancel,
		loopDone:     make(chan struct{}),
	}
	go h.loop(loopCtx, p, sessionID)
	return h, nil
}

type pollingHandle struct {
	StatusSource

	events   chan Event
	cancel   context.CancelFunc
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (h *pollingHandle) Events() <-chan Event { return h.events }

func (h *pollingHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.loopDone
		h.closeErr = h.StatusSource.Close()
	})
	return h.closeErr
}

// loop owns the events channel and closes it on exit.
func (h *pollingHandle) loop(ctx context.Context, p *Polling, sessionID string) {
	defer close(h.loopDone)
	defer close(h.events)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	var (
		last     Status
		failures int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.interval)
		st, err := h.StatusSource.Status(pollCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			failures++
			p.log.Info("connector.poll.fail", "session_id", sessionID, "failures", failures, "err", err)
			if failures >= p.maxErrors {
				h.send(ctx, Failure{Err: err})
				return
			}
			continue
		}
		failures = 0

		if st.State == StatusPending && st.Code != "" && st.Code != last.Code {
			if !h.send(ctx, CodeIssued{Code: st.Code}) {
				return
			}
		}

		if st.State != last.State {
			switch st.State {
			case StatusConnected:
				if !h.send(ctx, ConnectionOpen{Metadata: Metadata{Device: st.Device}}) {
					return
				}
			case StatusDisconnected:
				h.send(ctx, ConnectionClosed{Reason: st.Detail})
				return
			case StatusFailed:
				detail := st.Detail
				if detail == "" {
					detail = "remote reported failure"
				}
				h.send(ctx, Failure{Err: errors.New(detail)})
				return
			}
		}
		last = st
	}
}

func (h *pollingHandle) send(ctx context.Context, ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
