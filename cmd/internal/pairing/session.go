package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"pairgate/cmd/internal/archive"
	"pairgate/cmd/internal/connector"
	"pairgate/cmd/internal/observability"
)

const persistTimeout = 5 * time.Second

// Archiver packages a session's credentials directory. *archive.Archiver implements it.
type Archiver interface {
	Package(ctx context.Context, sessionID, sourceDir string) (archive.Result, error)
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID              string
	Phone           string
	State           State
	Code            string
	CodeIssuedAt    time.Time
	CodeDeadline    time.Time
	CredentialsPath string
	ArchivePath     string
	ArchiveSize     int64
	ArchiveChecksum string
	DownloadURL     string
	DisplayName     string
	Number          string
	Groups          []connector.Group
	LastError       string
	StartedAt       time.Time
	UpdatedAt       time.Time
	ConnectedAt     time.Time
	EndedAt         time.Time
}

func (s Snapshot) clone() Snapshot {
	s.Groups = append([]connector.Group(nil), s.Groups...)
	return s
}

// Record converts the snapshot into its durable form.
func (s Snapshot) Record() Record {
	return Record{
		SessionID:       s.ID,
		Phone:           s.Phone,
		State:           s.State,
		CodeDeadline:    s.CodeDeadline,
		CredentialsPath: s.CredentialsPath,
		ArchivePath:     s.ArchivePath,
		ArchiveSize:     s.ArchiveSize,
		ArchiveChecksum: s.ArchiveChecksum,
		DisplayName:     s.DisplayName,
		Number:          s.Number,
		Groups:          len(s.Groups),
		LastError:       s.LastError,
		StartedAt:       s.StartedAt,
		UpdatedAt:       s.UpdatedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
	}
}

type commandKind uint8

const (
	cmdIdentifier commandKind = iota + 1
	cmdRenew
	cmdExpired
)

type command struct {
	kind  commandKind
	phone string
	gen   uint64
	reply chan error
}

// Session is one pairing lifecycle.
//
// A single goroutine (run) applies every transition. Callers talk to it through the
// inbox; the Connector talks to it through its event channel; the Timer enqueues an
// expiry command. Snapshot is the only state read from other goroutines.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	conn    connector.Connector
	arch    Archiver
	notify  Notifier
	store   Store
	now     func() time.Time
	release func(*Session)

	credsPath string

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan command
	done   chan struct{}
	timer  *Timer

	// Owned by the run goroutine (or start, before run exists). handle is written
	// under mu so the stop path can close it from another goroutine.
	handle  connector.Handle
	events  <-chan connector.Event
	codeGen uint64

	mu           sync.Mutex
	snap         Snapshot
	handleClosed bool
}

func newSession(r *Registry, id string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := r.now()
	s := &Session{
		id:        id,
		cfg:       r.cfg,
		log:       r.log.With("session_id", id),
		conn:      r.conn,
		arch:      r.arch,
		notify:    r.notify,
		store:     r.store,
		now:       r.now,
		release:   r.release,
		credsPath: credentialsPath(r.cfg.SessionsDir, id),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan command),
		done:      make(chan struct{}),
	}
	s.timer = NewTimer(r.cfg.CodeTTL, r.now, s.expired)
	s.snap = Snapshot{
		ID:              id,
		State:           StateInit,
		CredentialsPath: s.credsPath,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session reached FAILED or CLOSED and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

// SubmitIdentifier normalizes phone and asks the Connector for a pairing code.
// Accepted while awaiting an identifier or while a code is pending.
func (s *Session) SubmitIdentifier(ctx context.Context, phone string) error {
	normalized, err := ValidatePhone(phone, s.cfg.CountryCode)
	if err != nil {
		return err
	}
	return s.call(ctx, "pairing.SubmitIdentifier", command{kind: cmdIdentifier, phone: normalized})
}

// Renew re-requests a pairing code. A non-empty phone replaces the stored one first.
func (s *Session) Renew(ctx context.Context, phone string) error {
	var normalized string
	if phone != "" {
		var err error
		normalized, err = ValidatePhone(phone, s.cfg.CountryCode)
		if err != nil {
			return err
		}
	}
	return s.call(ctx, "pairing.Renew", command{kind: cmdRenew, phone: normalized})
}

func (s *Session) call(ctx context.Context, op string, cmd command) error {
	cmd.reply = make(chan error, 1)

	select {
	case s.inbox <- cmd:
	case <-s.ctx.Done():
		return opError(op, ErrSessionClosed, "%s", s.id)
	case <-s.done:
		return opError(op, ErrSessionClosed, "%s", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.ctx.Done():
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	// A handler that already replied wins over the stop.
	select {
	case err := <-cmd.reply:
		return err
	default:
	}
	return opError(op, ErrSessionClosed, "%s", s.id)
}

// expired runs on the timer goroutine and only enqueues.
func (s *Session) expired(gen uint64) {
	select {
	case s.inbox <- command{kind: cmdExpired, gen: gen}:
	case <-s.done:
	}
}

// start prepares the credentials directory and opens the Connector.
// On success the session is AWAITING_IDENTIFIER and its goroutine is running.
// On failure the session is already terminal and released.
func (s *Session) start(ctx context.Context) error {
	s.logf("starting session")

	if err := os.MkdirAll(s.credsPath, 0o700); err != nil {
		err = opError("pairing.Start", ErrStorage, "credentials dir: %v", err)
		s.fail("init", err)
		s.finish()
		return err
	}

	openCtx, cancel := context.WithTimeout(s.ctx, s.cfg.OpenTimeout)
	stop := context.AfterFunc(ctx, cancel)
	h, err := s.conn.Open(openCtx, s.id, s.credsPath)
	stop()
	cancel()

	if err == nil && h != nil {
		s.mu.Lock()
		s.handle = h
		s.mu.Unlock()
	}

	if s.ctx.Err() != nil {
		s.closeWith("stopped")
		s.finish()
		return opError("pairing.Start", ErrSessionClosed, "stopped while opening connector")
	}
	if err != nil {
		err = opError("pairing.Start", ErrConnectorFailure, "open: %v", err)
		s.fail("init", err)
		s.finish()
		return err
	}

	s.events = h.Events()
	if !s.transition(StateAwaitingIdentifier, nil) {
		s.finish()
		return opError("pairing.Start", ErrSessionClosed, "stopped while opening connector")
	}
	s.logf("waiting for phone number")

	go s.run()
	return nil
}

func (s *Session) run() {
	defer s.finish()

	for {
		select {
		case <-s.ctx.Done():
			s.closeWith("stopped")
			return

		case cmd := <-s.inbox:
			err := s.handleCommand(cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}

		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				ev = connector.ConnectionClosed{Reason: "connector stream ended"}
			}
			s.handleEvent(ev)
		}

		if s.State().Terminal() {
			return
		}
	}
}

func (s *Session) handleCommand(cmd command) error {
	st := s.State()
	switch cmd.kind {
	case cmdIdentifier:
		if st != StateAwaitingIdentifier && st != StateCodePending {
			return opError("pairing.SubmitIdentifier", ErrInvalidState, "session is %s", st)
		}
		s.setPhone(cmd.phone)
		return s.requestCode("identifier")

	case cmdRenew:
		if st != StateCodePending {
			return opError("pairing.Renew", ErrInvalidState, "session is %s", st)
		}
		if cmd.phone != "" {
			s.setPhone(cmd.phone)
		}
		s.logf("renewing pairing code")
		return s.requestCode("renew")

	case cmdExpired:
		s.expire(cmd.gen)
		return nil

	default:
		return fmt.Errorf("pairing: unknown command %d", cmd.kind)
	}
}

func (s *Session) handleEvent(ev connector.Event) {
	st := s.State()
	switch ev := ev.(type) {
	case connector.CodeIssued:
		if st != StateCodePending {
			s.log.Debug("pairing.code.ignored", "state", st)
			return
		}
		if ev.Code == "" || ev.Code == s.Snapshot().Code {
			return
		}
		s.issue(ev.Code)

	case connector.ConnectionOpen:
		if st != StateCodePending {
			s.warn("connect", WarnUnexpectedEvent, fmt.Sprintf("connection opened while %s; ignored", st))
			return
		}
		s.connect(ev.Metadata)

	case connector.ConnectionClosed:
		if st == StateConnected {
			s.closeWith(ev.Reason)
			return
		}
		s.fail(phaseOf(st), opError("pairing.Connector", ErrConnectorFailure, "connection closed before pairing completed: %s", ev.Reason))

	case connector.Failure:
		s.fail(phaseOf(st), opError("pairing.Connector", ErrConnectorFailure, "%v", ev.Err))
	}
}

func (s *Session) setPhone(phone string) {
	s.mu.Lock()
	s.snap.Phone = phone
	s.mu.Unlock()
}

func (s *Session) requestCode(phase string) error {
	s.timer.Cancel()
	phone := s.Snapshot().Phone
	s.logf("requesting pairing code for %s", phone)

	callCtx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	code, err := s.handle.RequestCode(callCtx, phone)
	cancel()

	// Stopped mid-call: whatever came back is stale.
	if s.ctx.Err() != nil {
		return opError("pairing.RequestCode", ErrSessionClosed, "stopped while requesting code")
	}
	if err == nil && code == "" {
		err = fmt.Errorf("connector returned an empty code")
	}
	if err != nil {
		err = opError("pairing.RequestCode", ErrConnectorFailure, "%v", err)
		s.fail(phase, err)
		return err
	}

	s.issue(code)
	return nil
}

func (s *Session) issue(code string) {
	now := s.now()
	deadline := now.Add(s.timer.TTL())
	s.codeGen = s.timer.Arm(deadline)

	var phone string
	if !s.transition(StateCodePending, func(snap *Snapshot) {
		snap.Code = code
		snap.CodeIssuedAt = now
		snap.CodeDeadline = deadline
		phone = snap.Phone
	}) {
		s.timer.Cancel()
		return
	}

	observability.RecordCodeIssued()
	s.log.Info("pairing.code.issued", "expires_at", deadline)
	s.emit(Notice{
		Kind:      NoticePairingCode,
		Code:      code,
		Phone:     phone,
		IssuedAt:  now,
		ExpiresAt: deadline,
	})
	s.logf("pairing code: %s", code)
}

func (s *Session) expire(gen uint64) {
	snap := s.Snapshot()
	if gen != s.codeGen || snap.State != StateCodePending || snap.Code == "" {
		return
	}

	if !s.transition(StateCodePending, func(snap *Snapshot) { snap.Code = "" }) {
		return
	}

	observability.RecordCodeExpired()
	s.log.Info("pairing.code.expired", "deadline", snap.CodeDeadline)
	s.emit(Notice{Kind: NoticePairingExpired, ExpiresAt: snap.CodeDeadline})
	s.logf("pairing code expired; renew or send the phone number again")
}

func (s *Session) connect(md connector.Metadata) {
	s.timer.Cancel()
	now := s.now()
	if !s.transition(StateConnected, func(snap *Snapshot) {
		snap.Code = ""
		snap.ConnectedAt = now
		snap.LastError = ""
	}) {
		return
	}
	s.logf("connected, collecting session details")

	ready := s.gatherMetadata(md)
	s.archiveCredentials(&ready)

	if !s.transition(StateConnected, func(snap *Snapshot) {
		snap.DisplayName = ready.Name
		snap.Number = ready.Number
		snap.Groups = append([]connector.Group(nil), ready.Groups...)
		snap.ArchivePath = ready.ArchivePath
		snap.ArchiveSize = ready.ArchiveSize
		snap.ArchiveChecksum = ready.ArchiveChecksum
		snap.DownloadURL = ready.DownloadURL
	}) || s.ctx.Err() != nil {
		return
	}
	s.log.Info("session.ready", "groups", len(ready.Groups), "archive", ready.ArchivePath)
	s.emit(Notice{Kind: NoticeSessionReady, Ready: &ready})
	s.logf("session ready")
}

func (s *Session) gatherMetadata(md connector.Metadata) Ready {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.MetadataTimeout)
	defer cancel()

	dev := md.Device
	if dev.PushName == "" || dev.Number == "" {
		got, err := s.handle.HostDevice(ctx)
		if err != nil {
			s.warnErr("metadata", WarnMetadataFailure, opError("pairing.HostDevice", ErrMetadataFailure, "%v", err))
		} else {
			if dev.PushName == "" {
				dev.PushName = got.PushName
			}
			if dev.Number == "" {
				dev.Number = got.Number
			}
		}
	}

	groups, err := s.handle.Groups(ctx)
	if err != nil {
		s.warnErr("metadata", WarnMetadataFailure, opError("pairing.Groups", ErrMetadataFailure, "%v", err))
		groups = nil
	}

	if dev.PushName == "" {
		dev.PushName = placeholderName
	}
	if dev.Number == "" {
		dev.Number = s.Snapshot().Phone
	}
	if groups == nil {
		groups = []connector.Group{}
	}
	return Ready{Name: dev.PushName, Number: dev.Number, Groups: groups}
}

func (s *Session) archiveCredentials(ready *Ready) {
	started := time.Now()
	res, err := s.arch.Package(s.ctx, s.id, s.credsPath)
	observability.RecordArchive(time.Since(started), err == nil)

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		err = opError("pairing.Archive", ErrArchiveFailure, "%v", err)
		ready.ArchiveError = err.Error()
		s.warnErr("archive", WarnArchiveFailure, err)
		return
	}

	ready.ArchivePath = res.Path
	ready.ArchiveSize = res.Size
	ready.ArchiveChecksum = res.Checksum
	ready.DownloadURL = s.cfg.DownloadPrefix + s.id
	s.logf("credentials archived (%d files)", res.Files)
}

func (s *Session) fail(phase string, err error) {
	s.timer.Cancel()
	now := s.now()
	if !s.transition(StateFailed, func(snap *Snapshot) {
		snap.Code = ""
		snap.LastError = err.Error()
		snap.EndedAt = now
	}) {
		return
	}

	s.log.Error("session.fail", "phase", phase, "err", err)
	s.emit(Notice{Kind: NoticeSessionFailed, Phase: phase, Message: err.Error()})
	s.logf("error: %v", err)
}

func (s *Session) closeWith(reason string) {
	if reason == "" {
		reason = "connection closed"
	}
	s.timer.Cancel()
	now := s.now()
	if !s.transition(StateClosed, func(snap *Snapshot) {
		snap.Code = ""
		snap.EndedAt = now
	}) {
		return
	}

	s.log.Info("session.closed", "reason", reason)
	s.emit(Notice{Kind: NoticeSessionEnded, Message: reason})
	s.logf("session closed: %s", reason)
}

// stop ends the session from any goroutine: it cancels in-flight work, closes the
// connector handle and records CLOSED. The run goroutine finishes teardown once its
// current call returns; whatever that call produced is discarded.
func (s *Session) stop(reason string) {
	s.cancel()
	s.closeHandle()
	s.closeWith(reason)
}

// closeHandle closes the connector handle at most once.
func (s *Session) closeHandle() {
	s.mu.Lock()
	h := s.handle
	if h == nil || s.handleClosed {
		s.mu.Unlock()
		return
	}
	s.handleClosed = true
	s.mu.Unlock()

	if err := h.Close(); err != nil {
		s.log.Warn("connector.close.fail", "err", err)
	}
}

// finish releases everything the session holds. Runs exactly once, on the session goroutine
// or at the end of a failed start.
func (s *Session) finish() {
	s.timer.Cancel()
	s.closeHandle()
	s.cancel()
	if s.release != nil {
		s.release(s)
	}
	close(s.done)
}

// transition applies to and reports whether it did. FAILED and CLOSED are absorbing,
// so a transition out of them is refused without side effects.
func (s *Session) transition(to State, mutate func(*Snapshot)) bool {
	s.mu.Lock()
	from := s.snap.State
	if from.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.snap.State = to
	s.snap.UpdatedAt = s.now()
	if mutate != nil {
		mutate(&s.snap)
	}
	rec := s.snap.Record()
	s.mu.Unlock()

	if from != to {
		observability.RecordTransition(from.String(), to.String())
		s.log.Info("session.transition", "from", from.String(), "to", to.String())
		s.emit(Notice{Kind: NoticeState, State: to})
	}
	s.persist(rec)
	return true
}

func (s *Session) persist(rec Record) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.log.Warn("session.persist.fail", "err", err)
	}
}

func (s *Session) warn(phase, code, msg string) {
	s.log.Warn("session.warning", "phase", phase, "code", code, "msg", msg)
	if s.ctx.Err() != nil {
		return
	}
	s.emit(Notice{Kind: NoticeWarning, Phase: phase, WarningCode: code, Message: msg})
}

func (s *Session) warnErr(phase, code string, err error) {
	s.warn(phase, code, err.Error())
}

func (s *Session) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Debug("session.log", "msg", msg)
	s.emit(Notice{Kind: NoticeLog, Message: msg})
}

func (s *Session) emit(n Notice) {
	n.SessionID = s.id
	if n.At.IsZero() {
		n.At = s.now()
	}
	s.notify.Notify(n)
}

func phaseOf(st State) string {
	switch st {
	case StateInit:
		return "init"
	case StateAwaitingIdentifier:
		return "identifier"
	case StateCodePending:
		return "pairing"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}
