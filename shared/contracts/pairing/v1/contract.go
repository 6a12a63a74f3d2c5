// Package v1 defines the pairgate realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and operator clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionStart registers a new pairing session (client -> server).
	TypeSessionStart = "session_start"
	// TypeSessionPhone supplies the phone number for a session (client -> server).
	TypeSessionPhone = "session_phone"
	// TypeSessionRenew asks for a fresh pairing code (client -> server).
	TypeSessionRenew = "session_renew"
	// TypeSessionStop tears a session down (client -> server).
	TypeSessionStop = "session_stop"
	// TypeSessionWatch subscribes to a session's notices without starting it (client -> server).
	TypeSessionWatch = "session_watch"

	// TypeSessionState reports the session state after a transition (server -> client).
	TypeSessionState = "session_state"
	// TypeLog carries a human-readable progress line (server -> client).
	TypeLog = "log"
	// TypePairingCode carries a freshly issued pairing code (server -> client).
	TypePairingCode = "pairing_code"
	// TypePairingExpired reports that the current code passed its deadline (server -> client).
	TypePairingExpired = "pairing_expired"
	// TypeSessionReady reports a connected session and its archive location (server -> client).
	TypeSessionReady = "session_ready"
	// TypeSessionEnded reports a closed session (server -> client).
	TypeSessionEnded = "session_ended"
	// TypeSessionFailed reports a session that failed fatally (server -> client).
	TypeSessionFailed = "session_failed"
	// TypeWarning reports a recoverable problem (server -> client).
	TypeWarning = "warning"

	// TypeError is a generic request error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionStart,
		TypeSessionPhone,
		TypeSessionRenew,
		TypeSessionStop,
		TypeSessionWatch,
		TypeSessionState,
		TypeLog,
		TypePairingCode,
		TypePairingExpired,
		TypeSessionReady,
		TypeSessionEnded,
		TypeSessionFailed,
		TypeWarning,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client payloads ----

// HelloPayload is sent by the client to initiate the connection.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SessionStartPayload requests a new session. Phone is optional; when present it is
// submitted immediately after the session starts.
type SessionStartPayload struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone,omitempty"`
}

// SessionPhonePayload supplies (or resupplies) the phone number.
type SessionPhonePayload struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone"`
}

// SessionRenewPayload requests a fresh pairing code. Phone optionally replaces the stored number.
type SessionRenewPayload struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone,omitempty"`
}

// SessionStopPayload names the session to stop.
type SessionStopPayload struct {
	SessionID string `json:"session_id"`
}

// SessionWatchPayload subscribes to a session. An empty SessionID watches every session.
type SessionWatchPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// ---- Server payloads ----

// SessionStatePayload reports a state transition.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// LogPayload is a progress line, formatted "[session] message".
type LogPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// PairingCodePayload carries a pairing code and its validity window.
type PairingCodePayload struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Phone     string    `json:"phone"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingExpiredPayload reports an expired pairing code.
type PairingExpiredPayload struct {
	SessionID string    `json:"session_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// Group summarises one group chat the session belongs to.
type Group struct {
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// SessionReadyPayload is emitted once a session is connected and its archive was attempted.
type SessionReadyPayload struct {
	SessionID    string  `json:"session_id"`
	Name         string  `json:"name"`
	Number       string  `json:"number"`
	Groups       []Group `json:"groups"`
	DownloadURL  string  `json:"download_url,omitempty"`
	ArchiveSize  int64   `json:"archive_size,omitempty"`
	ArchiveSum   string  `json:"archive_blake2b,omitempty"`
	ArchiveError string  `json:"archive_error,omitempty"`
}

// SessionEndedPayload reports a closed session.
type SessionEndedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionFailedPayload reports a fatal session error.
type SessionFailedPayload struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

// WarningPayload reports a recoverable condition.
type WarningPayload struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
