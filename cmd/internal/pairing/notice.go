package pairing

import (
	"time"

	"pairgate/cmd/internal/connector"
)

// NoticeKind tags a Notice. Values match the event names callers subscribe to.
type NoticeKind string

const (
	NoticeLog            NoticeKind = "log"
	NoticeState          NoticeKind = "session-state"
	NoticePairingCode    NoticeKind = "pairing-code"
	NoticePairingExpired NoticeKind = "pairing-expired"
	NoticeSessionReady   NoticeKind = "session-ready"
	NoticeSessionEnded   NoticeKind = "session-ended"
	NoticeSessionFailed  NoticeKind = "session-failed"
	NoticeWarning        NoticeKind = "warning"
)

// Warning codes carried by NoticeWarning.
const (
	WarnMetadataFailure = "metadata_failure"
	WarnArchiveFailure  = "archive_failure"
	WarnUnexpectedEvent = "unexpected_event"
)

// Notice is one state-machine output event, keyed by session id.
//
// Which fields are set depends on Kind:
//   - log, session-ended: Message (ended: the reason)
//   - session-state: State
//   - pairing-code: Code, Phone, IssuedAt, ExpiresAt
//   - pairing-expired: ExpiresAt
//   - session-ready: Ready
//   - session-failed, warning: Phase, Message (warning also WarningCode)
type Notice struct {
	Kind      NoticeKind
	SessionID string
	At        time.Time

	Message     string
	State       State
	Phase       string
	WarningCode string

	Code      string
	Phone     string
	IssuedAt  time.Time
	ExpiresAt time.Time

	Ready *Ready
}

// Ready is the payload of a session-ready notice.
type Ready struct {
	Name        string
	Number      string
	Groups      []connector.Group
	DownloadURL string

	ArchivePath     string
	ArchiveSize     int64
	ArchiveChecksum string
	ArchiveError    string
}

// Notifier is a one-way sink for session notices. Notify must not block the caller
// for long: it runs on the session's goroutine.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// Notifiers fans a notice out to several sinks in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(n Notice) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
