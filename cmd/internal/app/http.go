package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pairgate/cmd/internal/archive"
	"pairgate/cmd/internal/connector"
	"pairgate/cmd/internal/pairing"
	"pairgate/cmd/internal/realtime"
)

// requestTimeout bounds Registry calls made on behalf of an HTTP request. The calls are
// detached from the request context: a client hanging up must not abort a session's startup.
const requestTimeout = 45 * time.Second

type httpDeps struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	reg       *pairing.Registry
	arch      *archive.Archiver
	loop      *connector.Loopback
	ws        *realtime.WSGateway
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && !d.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbEnabled && d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /sessions", d.handleStart)
	mux.HandleFunc("GET /sessions", d.handleList)
	mux.HandleFunc("GET /sessions/{id}", d.handleDescribe)
	mux.HandleFunc("POST /sessions/{id}/phone", d.handlePhone)
	mux.HandleFunc("POST /sessions/{id}/renew", d.handleRenew)
	mux.HandleFunc("DELETE /sessions/{id}", d.handleStop)

	mux.HandleFunc("GET /download/{session}", d.handleDownload)

	if d.cfg.DevEndpoints && d.loop != nil {
		mux.HandleFunc("POST /dev/sessions/{id}/pair", d.handleDevPair)
		mux.HandleFunc("POST /dev/sessions/{id}/disconnect", d.handleDevDisconnect)
		d.log.Warn("http.dev_endpoints.enabled")
	}

	mux.Handle("GET /ws", d.ws)

	if info, err := os.Stat(d.cfg.StaticDir); err == nil && info.IsDir() {
		mux.Handle("GET /", http.FileServer(http.Dir(d.cfg.StaticDir)))
	} else {
		d.log.Info("http.static.disabled", "dir", d.cfg.StaticDir)
	}
}

func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), requestTimeout)
}

// ---- sessions ----

type startRequest struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone,omitempty"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type listResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	History  []sessionResponse `json:"history,omitempty"`
}

func (d httpDeps) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	s, err := d.reg.Start(ctx, pairing.StartInput{SessionID: req.SessionID, Phone: req.Phone})
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(s.Snapshot()))
}

func (d httpDeps) handlePhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s, err := d.reg.Lookup(r.PathValue("id"))
	if err != nil {
		writePairingError(w, err)
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	if err := s.SubmitIdentifier(ctx, req.Phone); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s.Snapshot()))
}

func (d httpDeps) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s, err := d.reg.Lookup(r.PathValue("id"))
	if err != nil {
		writePairingError(w, err)
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	if err := s.Renew(ctx, req.Phone); err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s.Snapshot()))
}

func (d httpDeps) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detached(r)
	defer cancel()

	if err := d.reg.Stop(ctx, r.PathValue("id")); err != nil {
		writePairingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d httpDeps) handleList(w http.ResponseWriter, r *http.Request) {
	live := d.reg.List()
	resp := listResponse{Sessions: make([]sessionResponse, 0, len(live))}
	for _, s := range live {
		resp.Sessions = append(resp.Sessions, toSessionResponse(s))
	}

	if r.URL.Query().Get("history") != "" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := d.reg.History(r.Context(), limit)
		if err != nil {
			d.log.Error("sessions.history.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "history unavailable")
			return
		}
		resp.History = make([]sessionResponse, 0, len(recs))
		for _, rec := range recs {
			resp.History = append(resp.History, toRecordResponse(rec, d.reg.Config().DownloadPrefix))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d httpDeps) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s, err := d.reg.Lookup(id); err == nil {
		writeJSON(w, http.StatusOK, toSessionResponse(s.Snapshot()))
		return
	}

	rec, err := d.reg.Describe(r.Context(), id)
	if err != nil {
		writePairingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec, d.reg.Config().DownloadPrefix))
}

// ---- download ----

func (d httpDeps) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	f, info, err := d.arch.Open(id)
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrInvalidName):
			writeError(w, http.StatusNotFound, "not_found", "no archive for session")
		default:
			d.log.Error("download.open.fail", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "archive unavailable")
		}
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, id+".zip", info.ModTime(), f)
}

// ---- dev ----

func (d httpDeps) handleDevPair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.loop.Pair(r.Context(), id); err != nil {
		writeDevError(w, err)
		return
	}
	d.log.Info("dev.pair", "session_id", id)
	w.WriteHeader(http.StatusAccepted)
}

func (d httpDeps) handleDevDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if err := d.loop.Disconnect(r.Context(), id, reason); err != nil {
		writeDevError(w, err)
		return
	}
	d.log.Info("dev.disconnect", "session_id", id, "reason", reason)
	w.WriteHeader(http.StatusAccepted)
}

func writeDevError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connector.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, connector.ErrNotPairing), errors.Is(err, connector.ErrClosed):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
