// Package connector defines the capability pairgate uses to talk to the remote messaging service.
//
// The protocol itself (handshake, encryption, framing) lives outside this repository.
// Integrations adapt a concrete client library to Connector/Handle; the pairing state
// machine only ever sees the Event union below.
package connector

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Handle methods after Close.
	ErrClosed = errors.New("connector: handle closed")

	// ErrUnknownSession is returned when a dev operation names a session with no open handle.
	ErrUnknownSession = errors.New("connector: unknown session")

	// ErrNotPairing is returned when pairing completion is requested before any code was issued.
	ErrNotPairing = errors.New("connector: no pairing in progress")

	// ErrNotConnected is returned by metadata calls before the connection is open.
	ErrNotConnected = errors.New("connector: not connected")
)

// Connector opens one connection per session.
type Connector interface {
	// Open connects a session whose credentials live in credentialsPath.
	// The directory exists and is owned exclusively by the session.
	Open(ctx context.Context, sessionID, credentialsPath string) (Handle, error)
}

// Handle is one open session connection.
type Handle interface {
	// Events yields lifecycle events. The channel may be closed by the implementation
	// when the underlying stream ends; consumers treat that as ConnectionClosed.
	Events() <-chan Event

	// RequestCode mints a pairing code for phone (normalized, digits only).
	RequestCode(ctx context.Context, phone string) (string, error)

	// HostDevice returns the profile of the paired account.
	HostDevice(ctx context.Context) (Device, error)

	// Groups lists the group chats the paired account belongs to.
	Groups(ctx context.Context) ([]Group, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Device describes the paired account.
type Device struct {
	PushName string
	Number   string
}

// Group is a group chat summary.
type Group struct {
	Name         string
	Participants int
}

// Metadata is whatever the connector already knows when the connection opens.
// Zero values mean "unknown"; the state machine fills gaps via HostDevice/Groups.
type Metadata struct {
	Device Device
}

// Event is the closed set of lifecycle events a Handle emits.
type Event interface {
	connectorEvent()
}

// CodeIssued reports a pairing code pushed by the remote side.
type CodeIssued struct {
	Code string
}

// ConnectionOpen reports that pairing completed and the session is authenticated.
type ConnectionOpen struct {
	Metadata Metadata
}

// ConnectionClosed reports that the connection ended.
type ConnectionClosed struct {
	Reason string
}

// Failure reports a fatal connector error.
type Failure struct {
	Err error
}

func (CodeIssued) connectorEvent()       {}
func (ConnectionOpen) connectorEvent()   {}
func (ConnectionClosed) connectorEvent() {}
func (Failure) connectorEvent()          {}

// Unwrap exposes the underlying error for errors.Is/As on a Failure value.
func (f Failure) Unwrap() error { return f.Err }

func (f Failure) Error() string {
	if f.Err == nil {
		return "connector failure"
	}
	return f.Err.Error()
}
