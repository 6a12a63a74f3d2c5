package realtime

import (
	"log/slog"
	"sync"

	"pairgate/cmd/internal/pairing"
)

// Hub routes session notices to websocket subscribers. It implements pairing.Notifier.
//
// A client subscribes either to one session id or to every session (watch-all).
// A client subscribed both ways receives each envelope once.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
	all    *Topic
}

var _ pairing.Notifier = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]*Topic),
		all:    NewTopic(log, "*"),
	}
}

// Subscribe adds client to sessionID's topic. An empty sessionID subscribes to every session.
func (h *Hub) Subscribe(sessionID string, client *Client) {
	if sessionID == "" {
		h.all.Join(client)
		return
	}

	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = NewTopic(h.log, sessionID)
		h.topics[sessionID] = t
	}
	t.Join(client)
	h.mu.Unlock()
}

// Unsubscribe removes the connection from sessionID's topic (or from watch-all when empty).
func (h *Hub) Unsubscribe(sessionID, connectionID string) {
	if sessionID == "" {
		h.all.Leave(connectionID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[sessionID]
	if t == nil {
		return
	}
	t.Leave(connectionID)
	if t.Len() == 0 {
		delete(h.topics, sessionID)
	}
}

// Subscribers returns the number of clients that would receive a notice for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	t := h.topics[sessionID]
	h.mu.RUnlock()
	return t.Len() + h.all.Len()
}

// Notify implements pairing.Notifier. It never blocks.
func (h *Hub) Notify(n pairing.Notice) {
	env, ok := EnvelopeFromNotice(n)
	if !ok {
		h.log.Warn("hub.notice.unknown", "kind", string(n.Kind), "session_id", n.SessionID)
		return
	}

	h.mu.RLock()
	t := h.topics[n.SessionID]
	h.mu.RUnlock()

	var seen map[string]struct{}
	if t != nil {
		t.Broadcast(env, nil)
		seen = t.memberIDs()
	}
	h.all.Broadcast(env, seen)
}
