package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned when a start names a session id that is already live.
	ErrAlreadyActive = errors.New("session already active")

	// ErrInvalidRequest is returned for missing or malformed session ids and phone numbers.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned when no live session (or stored record) matches the id.
	ErrNotFound = errors.New("session not found")

	// ErrConnectorFailure is returned when the connector cannot be opened or a call on it fails.
	// It is the only condition that is fatal to a session.
	ErrConnectorFailure = errors.New("connector failure")

	// ErrStorage is returned when the session's credentials directory cannot be prepared.
	ErrStorage = errors.New("credentials storage failure")

	// ErrArchiveFailure marks a failed credential snapshot. Reported as a warning only.
	ErrArchiveFailure = errors.New("archive failure")

	// ErrMetadataFailure marks failed best-effort metadata gathering. Reported as a warning only.
	ErrMetadataFailure = errors.New("metadata failure")

	// ErrInvalidState is returned when a command does not apply to the session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionClosed is returned when the session stopped before or while handling a command.
	ErrSessionClosed = errors.New("session closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above; Msg carries human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opError(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsAlreadyActive reports whether err represents ErrAlreadyActive.
func IsAlreadyActive(err error) bool { return errors.Is(err, ErrAlreadyActive) }

// IsInvalidRequest reports whether err represents ErrInvalidRequest.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectorFailure) || errors.Is(err, ErrStorage)
}
