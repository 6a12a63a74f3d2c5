package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"pairgate/cmd/internal/pairing"
)

const maxRequestBodyBytes = 16 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writePairingError maps pairing error kinds onto HTTP statuses.
func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case pairing.IsInvalidRequest(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case pairing.IsAlreadyActive(err):
		writeError(w, http.StatusConflict, "already_active", err.Error())
	case pairing.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, pairing.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, pairing.ErrSessionClosed):
		writeError(w, http.StatusGone, "session_closed", err.Error())
	case pairing.IsFatal(err):
		writeError(w, http.StatusBadGateway, "connector_failure", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decodeJSON decodes exactly one JSON object. An empty body is allowed when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// ---- response models ----

type groupResponse struct {
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

type sessionResponse struct {
	SessionID       string          `json:"session_id"`
	State           string          `json:"state"`
	Live            bool            `json:"live"`
	Phone           string          `json:"phone,omitempty"`
	Code            string          `json:"code,omitempty"`
	CodeExpiresAt   *time.Time      `json:"code_expires_at,omitempty"`
	Name            string          `json:"name,omitempty"`
	Number          string          `json:"number,omitempty"`
	Groups          []groupResponse `json:"groups,omitempty"`
	GroupCount      int             `json:"group_count"`
	DownloadURL     string          `json:"download_url,omitempty"`
	ArchiveSize     int64           `json:"archive_size,omitempty"`
	ArchiveChecksum string          `json:"archive_blake2b,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ConnectedAt     *time.Time      `json:"connected_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

func toSessionResponse(s pairing.Snapshot) sessionResponse {
	groups := make([]groupResponse, 0, len(s.Groups))
	for _, g := range s.Groups {
		groups = append(groups, groupResponse{Name: g.Name, Participants: g.Participants})
	}
	resp := sessionResponse{
		SessionID:       s.ID,
		State:           s.State.String(),
		Live:            true,
		Phone:           s.Phone,
		Code:            s.Code,
		Name:            s.DisplayName,
		Number:          s.Number,
		Groups:          groups,
		GroupCount:      len(groups),
		DownloadURL:     s.DownloadURL,
		ArchiveSize:     s.ArchiveSize,
		ArchiveChecksum: s.ArchiveChecksum,
		LastError:       s.LastError,
		StartedAt:       s.StartedAt,
		UpdatedAt:       s.UpdatedAt,
		ConnectedAt:     timePtr(s.ConnectedAt),
		EndedAt:         timePtr(s.EndedAt),
	}
	if s.Code != "" {
		resp.CodeExpiresAt = timePtr(s.CodeDeadline)
	}
	return resp
}

func toRecordResponse(rec pairing.Record, downloadPrefix string) sessionResponse {
	resp := sessionResponse{
		SessionID:       rec.SessionID,
		State:           rec.State.String(),
		Phone:           rec.Phone,
		Name:            rec.DisplayName,
		Number:          rec.Number,
		GroupCount:      rec.Groups,
		ArchiveSize:     rec.ArchiveSize,
		ArchiveChecksum: rec.ArchiveChecksum,
		LastError:       rec.LastError,
		StartedAt:       rec.StartedAt,
		UpdatedAt:       rec.UpdatedAt,
		ConnectedAt:     timePtr(rec.ConnectedAt),
		EndedAt:         timePtr(rec.EndedAt),
	}
	if rec.ArchivePath != "" {
		resp.DownloadURL = downloadPrefix + rec.SessionID
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
