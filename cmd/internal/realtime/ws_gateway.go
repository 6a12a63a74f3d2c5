// Package realtime contains pairgate's WebSocket gateway and the notice fanout hub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pairgate/cmd/internal/pairing"
	v1 "pairgate/shared/contracts/pairing/v1"
)

const (
	// WSSubprotocol is the only subprotocol the gateway speaks.
	WSSubprotocol = "pairgate.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultReadIdle       = 2 * time.Minute
	wsDefaultRequestTimeout = 45 * time.Second
	wsCloseGrace            = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default (browser operators always send one).
	// - Same-host origins are always accepted; cross-origin needs the allowlist.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Sessions is the slice of the pairing Registry the gateway drives.
type Sessions interface {
	Start(ctx context.Context, in pairing.StartInput) (*pairing.Session, error)
	Lookup(id string) (*pairing.Session, error)
	Stop(ctx context.Context, id string) error
	List() []pairing.Snapshot
}

// WSGateway is the WebSocket entrypoint for operators.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// turns validated request envelopes into Registry calls and subscribes the
// connection to the sessions it touches.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	sessions Sessions

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	requestTimeout  time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults, tuned by PAIRGATE_WS_* env vars.
func NewWSGateway(log *slog.Logger, hub *Hub, sessions Sessions) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if sessions == nil {
		return nil, errors.New("realtime: nil sessions")
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, sessions: sessions}

	g.devInsecure = envBoolWS("PAIRGATE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PAIRGATE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PAIRGATE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PAIRGATE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PAIRGATE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.requestTimeout = envDurationWS("PAIRGATE_WS_REQUEST_TIMEOUT", wsDefaultRequestTimeout)

	g.sendQueueSize = envIntWS("PAIRGATE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PAIRGATE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PAIRGATE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PAIRGATE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PAIRGATE_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the request loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != WSSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnectionID(time.Now().UTC())
	client := NewClient(connID, g.sendQueueSize)
	subs := newSubscriptions(g.hub, client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.log.Info("ws.connect", "connection_id", connID, "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subs.clear()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Registry calls can block for the connector's open/request timeouts, so they run on a
	// worker; the read loop keeps servicing pongs and close frames meanwhile.
	requests := make(chan v1.Envelope, maxPendingRequests)
	workerDone := make(chan struct{})
	var stops sync.WaitGroup
	go func() {
		defer close(workerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-requests:
				g.handleRequest(ctx, client, subs, env)
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if ok, wait := rl.Allow(time.Now().UTC()); !ok {
			g.log.Info("ws.rate_limited", "connection_id", connID, "retry_in", wait)
			g.trySendError(ctx, client, "", "rate_limited", fmt.Sprintf("too many events, retry in %s", wait.Round(time.Millisecond)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "", "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "", "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		// Stops skip the queue; a start still opening its connector must not hold them up.
		if env.Type == v1.TypeSessionStop {
			stops.Add(1)
			go func() {
				defer stops.Done()
				g.handleRequest(ctx, client, subs, env)
			}()
			continue readLoop
		}

		select {
		case requests <- env:
		default:
			g.trySendError(ctx, client, env.SessionID, "busy", "too many pending requests")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-workerDone
	stops.Wait()
	subs.clear()

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.disconnect", "connection_id", connID)
}

// ---- handlers ----

func (g *WSGateway) handleRequest(ctx context.Context, client *Client, subs *subscriptions, env v1.Envelope) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.requestTimeout)
	defer cancel()

	var (
		sessionID string
		err       error
	)

	switch env.Type {
	case v1.TypeSessionStart:
		sessionID, err = g.onStart(reqCtx, subs, env)
	case v1.TypeSessionPhone:
		sessionID, err = g.onPhone(reqCtx, subs, env)
	case v1.TypeSessionRenew:
		sessionID, err = g.onRenew(reqCtx, subs, env)
	case v1.TypeSessionStop:
		sessionID, err = g.onStop(reqCtx, env)
	case v1.TypeSessionWatch:
		sessionID, err = g.onWatch(ctx, client, subs, env)
	default:
		g.trySendError(ctx, client, env.SessionID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}

	if err != nil {
		code := errorCode(err)
		g.log.Info("ws.request.fail", "connection_id", client.ConnectionID, "type", env.Type, "session_id", sessionID, "code", code, "err", err)
		g.trySendError(ctx, client, sessionID, code, err.Error())
	}
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: client.ConnectionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (g *WSGateway) onStart(ctx context.Context, subs *subscriptions, env v1.Envelope) (string, error) {
	var p v1.SessionStartPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", missing("session_id")
	}

	// Subscribe first so the caller sees the start's own notices.
	added := subs.add(id)
	_, err := g.sessions.Start(ctx, pairing.StartInput{SessionID: id, Phone: p.Phone})
	if err != nil && pairing.IsInvalidRequest(err) && added {
		subs.remove(id)
	}
	return id, err
}

func (g *WSGateway) onPhone(ctx context.Context, subs *subscriptions, env v1.Envelope) (string, error) {
	var p v1.SessionPhonePayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", missing("session_id")
	}
	if strings.TrimSpace(p.Phone) == "" {
		return id, missing("phone")
	}

	s, err := g.sessions.Lookup(id)
	if err != nil {
		return id, err
	}
	subs.add(id)
	return id, s.SubmitIdentifier(ctx, p.Phone)
}

func (g *WSGateway) onRenew(ctx context.Context, subs *subscriptions, env v1.Envelope) (string, error) {
	var p v1.SessionRenewPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", missing("session_id")
	}

	s, err := g.sessions.Lookup(id)
	if err != nil {
		return id, err
	}
	subs.add(id)
	return id, s.Renew(ctx, p.Phone)
}

func (g *WSGateway) onStop(ctx context.Context, env v1.Envelope) (string, error) {
	var p v1.SessionStopPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", missing("session_id")
	}
	return id, g.sessions.Stop(ctx, id)
}

func (g *WSGateway) onWatch(ctx context.Context, client *Client, subs *subscriptions, env v1.Envelope) (string, error) {
	var p v1.SessionWatchPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	subs.add(id)

	// Current state for what is already live.
	var snaps []pairing.Snapshot
	if id == "" {
		snaps = g.sessions.List()
	} else if s, err := g.sessions.Lookup(id); err == nil {
		snaps = append(snaps, s.Snapshot())
	}
	for _, snap := range snaps {
		b, _ := json.Marshal(v1.SessionStatePayload{SessionID: snap.ID, State: snap.State.String()})
		out := newEnvelope(v1.TypeSessionState, b, time.Now().UTC())
		out.SessionID = snap.ID
		if !g.enqueue(ctx, client, out) {
			return id, errors.New("backpressure: session_state")
		}
	}
	return id, nil
}

// ---- subscriptions ----

// subscriptions tracks the topics one connection joined. Used by the request worker
// and by shutdown, hence the mutex.
type subscriptions struct {
	hub    *Hub
	client *Client

	mu  sync.Mutex
	ids map[string]struct{}
}

func newSubscriptions(hub *Hub, client *Client) *subscriptions {
	return &subscriptions{hub: hub, client: client, ids: make(map[string]struct{})}
}

func (s *subscriptions) add(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[sessionID]; ok {
		return false
	}
	s.ids[sessionID] = struct{}{}
	s.hub.Subscribe(sessionID, s.client)
	return true
}

func (s *subscriptions) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[sessionID]; !ok {
		return
	}
	delete(s.ids, sessionID)
	s.hub.Unsubscribe(sessionID, s.client.ConnectionID)
}

func (s *subscriptions) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.ids {
		s.hub.Unsubscribe(id, s.client.ConnectionID)
	}
	s.ids = make(map[string]struct{})
}

// ---- errors ----

type requestError struct{ msg string }

func (e requestError) Error() string { return e.msg }

func missing(field string) error {
	return requestError{msg: "missing " + field}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return requestError{msg: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return requestError{msg: "invalid payload: " + err.Error()}
	}
	return nil
}

func errorCode(err error) string {
	var re requestError
	switch {
	case errors.As(err, &re), pairing.IsInvalidRequest(err):
		return "invalid_request"
	case pairing.IsAlreadyActive(err):
		return "already_active"
	case pairing.IsNotFound(err):
		return "not_found"
	case errors.Is(err, pairing.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, pairing.ErrSessionClosed):
		return "session_closed"
	case pairing.IsFatal(err):
		return "connector_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, sessionID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	env.SessionID = sessionID
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	originHost := originHostOnly(origin)

	// Same-host pages (the bundled operator page) are always allowed.
	if originHost != "" && originHost == originHostOnly(r.Host) {
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist onto websocket.Accept's
// host patterns so both origin layers agree. "*" becomes the match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
