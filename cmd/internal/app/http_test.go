package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()

	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.SessionsDir = filepath.Join(root, "sessions")
	cfg.ArchiveDir = filepath.Join(root, "zips")
	cfg.StaticDir = filepath.Join(root, "public")
	cfg.DevEndpoints = true
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.reg.Shutdown(ctx)
		ts.Close()
		a.Close()
	})
	return a, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func decodeSession(t *testing.T, b []byte) sessionResponse {
	t.Helper()
	var s sessionResponse
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("decode session: %v (%s)", err, b)
	}
	return s
}

func decodeAPIError(t *testing.T, b []byte) apiError {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("decode error: %v (%s)", err, b)
	}
	return e.Error
}

func TestHTTP_SessionLifecycle(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"session_id": "s1", "phone": "0821234567"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status=%d body=%s", resp.StatusCode, body)
	}
	started := decodeSession(t, body)
	if started.State != "CODE_PENDING" || started.Code == "" || started.Phone != "258821234567" {
		t.Fatalf("unexpected start response %+v", started)
	}
	if started.CodeExpiresAt == nil {
		t.Fatalf("missing code expiry")
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/dev/sessions/s1/pair", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("pair: status=%d body=%s", resp.StatusCode, body)
	}

	var ready sessionResponse
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body = doJSON(t, http.MethodGet, ts.URL+"/sessions/s1", nil)
		ready = decodeSession(t, body)
		if ready.State == "CONNECTED" && ready.DownloadURL != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ready.State != "CONNECTED" || ready.DownloadURL != "/download/s1" {
		t.Fatalf("session not ready: %+v", ready)
	}
	if ready.Number != "258821234567" || ready.ArchiveChecksum == "" {
		t.Fatalf("unexpected ready payload %+v", ready)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+ready.DownloadURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content-type=%q", ct)
	}
	if !bytes.HasPrefix(body, []byte("PK")) {
		t.Fatalf("download is not a zip")
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/sessions/s1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop: status=%d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions/s1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("describe after stop: status=%d body=%s", resp.StatusCode, body)
	}
	ended := decodeSession(t, body)
	if ended.Live || ended.State != "CLOSED" || ended.DownloadURL != "/download/s1" || ended.EndedAt == nil {
		t.Fatalf("unexpected stored record %+v", ended)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions?history=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status=%d", resp.StatusCode)
	}
	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 0 || len(list.History) != 1 || list.History[0].SessionID != "s1" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestHTTP_PhoneThenRenew(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"session_id": "s2"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status=%d body=%s", resp.StatusCode, body)
	}
	if s := decodeSession(t, body); s.State != "AWAITING_IDENTIFIER" {
		t.Fatalf("state=%s", s.State)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/sessions/s2/renew", nil)
	if resp.StatusCode != http.StatusConflict || decodeAPIError(t, body).Code != "invalid_state" {
		t.Fatalf("renew before phone: status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/sessions/s2/phone", map[string]string{"phone": "+258 82 123 4567"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("phone: status=%d body=%s", resp.StatusCode, body)
	}
	first := decodeSession(t, body)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/sessions/s2/renew", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renew: status=%d body=%s", resp.StatusCode, body)
	}
	second := decodeSession(t, body)
	if second.State != "CODE_PENDING" || second.CodeExpiresAt.Before(*first.CodeExpiresAt) {
		t.Fatalf("renew did not re-arm: first=%+v second=%+v", first, second)
	}
}

func TestHTTP_Errors(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, nil)

	if resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"session_id": "dup"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status=%d body=%s", resp.StatusCode, body)
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate start", http.MethodPost, "/sessions", map[string]string{"session_id": "dup"}, http.StatusConflict, "already_active"},
		{"missing id", http.MethodPost, "/sessions", map[string]string{"phone": "0821234567"}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/sessions", map[string]string{"sid": "x"}, http.StatusBadRequest, "invalid_json"},
		{"phone for unknown", http.MethodPost, "/sessions/ghost/phone", map[string]string{"phone": "0821234567"}, http.StatusNotFound, "not_found"},
		{"empty phone", http.MethodPost, "/sessions/dup/phone", map[string]string{"phone": " "}, http.StatusBadRequest, "invalid_request"},
		{"describe unknown", http.MethodGet, "/sessions/ghost", nil, http.StatusNotFound, "not_found"},
		{"download unknown", http.MethodGet, "/download/ghost", nil, http.StatusNotFound, "not_found"},
		{"dev pair without code", http.MethodPost, "/dev/sessions/dup/pair", nil, http.StatusConflict, "invalid_state"},
		{"dev pair unknown", http.MethodPost, "/dev/sessions/ghost/pair", nil, http.StatusNotFound, "not_found"},
	}

	for _, tc := range cases {
		resp, body := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want %d body=%s", tc.name, resp.StatusCode, tc.status, body)
		}
		if got := decodeAPIError(t, body).Code; got != tc.code {
			t.Fatalf("%s: code=%q want %q", tc.name, got, tc.code)
		}
	}

	// Stopping an unknown session is a no-op.
	if resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/sessions/ghost", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop unknown: status=%d", resp.StatusCode)
	}
}

func TestHTTP_DevEndpointsDisabled(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, func(c *Config) { c.DevEndpoints = false })

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/dev/sessions/x/pair", nil)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("dev endpoint should not be routed, got %d", resp.StatusCode)
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	_, ts := newTestApp(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status=%d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s: missing security headers", path)
		}
	}

	_, _ = doJSON(t, http.MethodPost, ts.URL+"/sessions", map[string]string{"session_id": "m1"})
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status=%d", resp.StatusCode)
	}
	for _, want := range []string{"pairgate_sessions_started_total", "pairgate_http_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestHTTP_StaticFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	static := filepath.Join(root, "public")
	if err := os.MkdirAll(static, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>pairgate</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, ts := newTestApp(t, func(c *Config) { c.StaticDir = static })

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "pairgate") {
		t.Fatalf("static: status=%d body=%s", resp.StatusCode, body)
	}
}
