package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"pairgate/cmd/internal/connector"
	"pairgate/cmd/internal/pairing"
	v1 "pairgate/shared/contracts/pairing/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHub_RoutesBySession(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)
	h.Subscribe("s1", a)
	h.Subscribe("s2", b)

	h.Notify(pairing.Notice{Kind: pairing.NoticeLog, SessionID: "s1", Message: "hello"})

	gotA, gotB := drain(a), drain(b)
	if len(gotA) != 1 || len(gotB) != 0 {
		t.Fatalf("a=%d b=%d", len(gotA), len(gotB))
	}
	if gotA[0].SessionID != "s1" || gotA[0].Type != v1.TypeLog {
		t.Fatalf("unexpected envelope %+v", gotA[0])
	}
	var p v1.LogPayload
	if err := json.Unmarshal(gotA[0].Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message != "[s1] hello" {
		t.Fatalf("message=%q", p.Message)
	}
}

func TestHub_WatchAllDeliversOnce(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	both := NewClient("conn-both", 8)
	allOnly := NewClient("conn-all", 8)
	h.Subscribe("s1", both)
	h.Subscribe("", both)
	h.Subscribe("", allOnly)

	h.Notify(pairing.Notice{Kind: pairing.NoticeState, SessionID: "s1", State: pairing.StateCodePending})
	h.Notify(pairing.Notice{Kind: pairing.NoticeState, SessionID: "s9", State: pairing.StateClosed})

	if got := len(drain(both)); got != 2 {
		t.Fatalf("both got %d envelopes, want 2", got)
	}
	if got := len(drain(allOnly)); got != 2 {
		t.Fatalf("watch-all got %d envelopes, want 2", got)
	}
	if n := h.Subscribers("s1"); n != 3 {
		t.Fatalf("subscribers=%d", n)
	}
}

func TestHub_UnsubscribeDropsEmptyTopic(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	c := NewClient("conn-1", 8)
	h.Subscribe("s1", c)
	h.Unsubscribe("s1", c.ConnectionID)

	h.mu.RLock()
	_, ok := h.topics["s1"]
	h.mu.RUnlock()
	if ok {
		t.Fatalf("empty topic should be removed")
	}

	h.Notify(pairing.Notice{Kind: pairing.NoticeLog, SessionID: "s1", Message: "x"})
	if got := len(drain(c)); got != 0 {
		t.Fatalf("unsubscribed client got %d envelopes", got)
	}
}

func TestHub_DropsUnderBackpressureAndAfterClose(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	c := NewClient("conn-1", 1)
	h.Subscribe("s1", c)

	for i := 0; i < 5; i++ {
		h.Notify(pairing.Notice{Kind: pairing.NoticeLog, SessionID: "s1", Message: "x"})
	}
	if got := len(drain(c)); got != 1 {
		t.Fatalf("queue of 1 delivered %d", got)
	}

	c.Close()
	h.Notify(pairing.Notice{Kind: pairing.NoticeLog, SessionID: "s1", Message: "x"})
	if got := len(drain(c)); got != 0 {
		t.Fatalf("closed client got %d envelopes", got)
	}
}

func TestEnvelopeFromNotice(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cases := []struct {
		name   string
		notice pairing.Notice
		typ    string
		check  func(t *testing.T, raw json.RawMessage)
	}{
		{
			name:   "pairing code",
			notice: pairing.Notice{Kind: pairing.NoticePairingCode, Code: "ABCD-EFGH", Phone: "258821234567", IssuedAt: at, ExpiresAt: at.Add(time.Minute)},
			typ:    v1.TypePairingCode,
			check: func(t *testing.T, raw json.RawMessage) {
				var p v1.PairingCodePayload
				_ = json.Unmarshal(raw, &p)
				if p.Code != "ABCD-EFGH" || !p.ExpiresAt.Equal(at.Add(time.Minute)) {
					t.Fatalf("payload %+v", p)
				}
			},
		},
		{
			name:   "expired",
			notice: pairing.Notice{Kind: pairing.NoticePairingExpired, ExpiresAt: at},
			typ:    v1.TypePairingExpired,
			check: func(t *testing.T, raw json.RawMessage) {
				var p v1.PairingExpiredPayload
				_ = json.Unmarshal(raw, &p)
				if !p.ExpiredAt.Equal(at) {
					t.Fatalf("payload %+v", p)
				}
			},
		},
		{
			name: "ready",
			notice: pairing.Notice{Kind: pairing.NoticeSessionReady, Ready: &pairing.Ready{
				Name:        "unknown",
				Number:      "258821234567",
				Groups:      []connector.Group{{Name: "family", Participants: 3}},
				DownloadURL: "/download/s1",
			}},
			typ: v1.TypeSessionReady,
			check: func(t *testing.T, raw json.RawMessage) {
				var p v1.SessionReadyPayload
				_ = json.Unmarshal(raw, &p)
				if len(p.Groups) != 1 || p.Groups[0].Participants != 3 || p.DownloadURL != "/download/s1" {
					t.Fatalf("payload %+v", p)
				}
			},
		},
		{
			name:   "failed",
			notice: pairing.Notice{Kind: pairing.NoticeSessionFailed, Phase: "init", Message: "boom"},
			typ:    v1.TypeSessionFailed,
			check: func(t *testing.T, raw json.RawMessage) {
				var p v1.SessionFailedPayload
				_ = json.Unmarshal(raw, &p)
				if p.Phase != "init" || p.Message != "boom" {
					t.Fatalf("payload %+v", p)
				}
			},
		},
		{
			name:   "warning",
			notice: pairing.Notice{Kind: pairing.NoticeWarning, Phase: "connected", WarningCode: pairing.WarnArchiveFailure, Message: "disk full"},
			typ:    v1.TypeWarning,
			check: func(t *testing.T, raw json.RawMessage) {
				var p v1.WarningPayload
				_ = json.Unmarshal(raw, &p)
				if p.Code != pairing.WarnArchiveFailure {
					t.Fatalf("payload %+v", p)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := tc.notice
			n.SessionID = "s1"
			n.At = at
			env, ok := EnvelopeFromNotice(n)
			if !ok {
				t.Fatalf("not converted")
			}
			if env.Type != tc.typ || env.SessionID != "s1" || !env.TS.Equal(at) || env.ID == "" {
				t.Fatalf("envelope %+v", env)
			}
			if err := env.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			tc.check(t, env.Payload)
		})
	}

	if _, ok := EnvelopeFromNotice(pairing.Notice{Kind: pairing.NoticeSessionReady}); ok {
		t.Fatalf("ready without payload must not convert")
	}
	if _, ok := EnvelopeFromNotice(pairing.Notice{Kind: "bogus"}); ok {
		t.Fatalf("unknown kind must not convert")
	}
}
