// Package main provides a CI-friendly WebSocket smoke test for the pairgate gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack connection establishment
//   - session_start -> pairing_code, seen by the starter and a watch-all client
//   - dev pairing over HTTP -> session_ready with a downloadable archive
//   - session_stop -> session_ended
//   - already_active on a duplicate start
//
// The pairing steps need a server started with PAIRGATE_DEV_ENDPOINTS=true.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "pairgate/shared/contracts/pairing/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "pairgate.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

// progressTypes arrive between the envelopes a step waits for.
var progressTypes = map[string]struct{}{
	v1.TypeLog:          {},
	v1.TypeSessionState: {},
	v1.TypeWarning:      {},
}

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:10000/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sessionID = flag.String("session", "", "Session id (default: smoke-<unix nanos>)")
		phone     = flag.String("phone", "258821234567", "Phone number to pair")
		pair      = flag.Bool("pair", true, "Complete pairing through the dev HTTP endpoint")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *sessionID == "" {
		*sessionID = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	w := mustConnect(root, "W", *wsURL, *origin, *timeout)
	defer closeWS(w.conn)

	if *verbose {
		fmt.Printf("connected: A=%s W=%s origin=%q\n", a.connectionID, w.connectionID, *origin)
	}

	mustSend(root, w, v1.TypeSessionWatch, "", v1.SessionWatchPayload{}, *timeout)
	// Watch has no reply; give the gateway a moment to subscribe before starting.
	time.Sleep(200 * time.Millisecond)

	mustSend(root, a, v1.TypeSessionStart, *sessionID, v1.SessionStartPayload{SessionID: *sessionID, Phone: *phone}, *timeout)

	code := mustAssertCode(root, a, *sessionID, *timeout)
	if watched := mustAssertCode(root, w, *sessionID, *timeout); watched != code {
		fatalf("watcher code mismatch: got=%q want=%q", watched, code)
	}
	if *verbose {
		fmt.Printf("pairing code: %s\n", code)
	}

	mustSend(root, a, v1.TypeSessionStart, *sessionID, v1.SessionStartPayload{SessionID: *sessionID}, *timeout)
	if ep := a.mustReadError(root, *timeout); ep.Code != "already_active" {
		fatalf("duplicate start: code=%q want already_active", ep.Code)
	}

	var downloadURL string
	if *pair {
		base := httpBaseURL(*wsURL)
		mustPOST(root, base+"/dev/sessions/"+url.PathEscape(*sessionID)+"/pair", *timeout)

		ready := mustAssertReady(root, a, *sessionID, *timeout)
		_ = mustAssertReady(root, w, *sessionID, *timeout)
		if ready.DownloadURL != "" {
			downloadURL = base + ready.DownloadURL
			n := mustDownload(root, downloadURL, *timeout)
			if ready.ArchiveSize > 0 && n != ready.ArchiveSize {
				fatalf("archive size mismatch: got=%d want=%d", n, ready.ArchiveSize)
			}
		}
		if *verbose {
			fmt.Printf("ready: name=%q number=%s groups=%d download=%s\n", ready.Name, ready.Number, len(ready.Groups), downloadURL)
		}
	}

	mustSend(root, a, v1.TypeSessionStop, *sessionID, v1.SessionStopPayload{SessionID: *sessionID}, *timeout)
	mustAssertEnded(root, a, *sessionID, *timeout)

	fmt.Printf("OK: A=%s W=%s session_id=%s code=%s download=%q\n", a.connectionID, w.connectionID, *sessionID, code, downloadURL)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// httpBaseURL maps ws(s)://host/ws onto http(s)://host.
func httpBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustSend(parent, c, v1.TypeHello, "", v1.HelloPayload{}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connectionID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, typ, sessionID string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      typ,
		ID:        fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertCode(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypePairingCode, stepTimeout, progressTypes)

	var p v1.PairingCodePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal pairing_code payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("pairing_code session mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if strings.TrimSpace(p.Code) == "" {
		fatalf("pairing_code missing code (%s)", c.name)
	}
	if !p.ExpiresAt.After(p.IssuedAt) {
		fatalf("pairing_code bad window (%s): issued=%s expires=%s", c.name, p.IssuedAt, p.ExpiresAt)
	}
	return p.Code
}

func mustAssertReady(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) v1.SessionReadyPayload {
	env := c.mustReadUntilType(parent, v1.TypeSessionReady, stepTimeout, progressTypes)

	var p v1.SessionReadyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal session_ready payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("session_ready session mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if strings.TrimSpace(p.Number) == "" {
		fatalf("session_ready missing number (%s)", c.name)
	}
	if p.ArchiveError != "" {
		fatalf("session_ready archive error (%s): %s", c.name, p.ArchiveError)
	}
	return p
}

func mustAssertEnded(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	want := v1.TypeSessionEnded
	env := c.mustReadUntilType(parent, want, stepTimeout, progressTypes)
	if env.SessionID != "" && env.SessionID != sessionID {
		fatalf("%s session mismatch (%s): got=%q want=%q", want, c.name, env.SessionID, sessionID)
	}
}

func (c *smokeClient) mustReadError(parent context.Context, stepTimeout time.Duration) v1.ErrorPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error (%s)", c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &ep); err != nil {
				fatalf("unmarshal error payload (%s): %v", c.name, err)
			}
			return ep
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustPOST(parent context.Context, target string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(nil))
	if err != nil {
		fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		fatalf("POST %s: status=%d body=%s (is PAIRGATE_DEV_ENDPOINTS set?)", target, resp.StatusCode, body)
	}
}

func mustDownload(parent context.Context, target string, stepTimeout time.Duration) int64 {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("GET %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("GET %s: status=%d", target, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		fatalf("GET %s: content-type=%q", target, ct)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		fatalf("GET %s: read body: %v", target, err)
	}
	return n
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
