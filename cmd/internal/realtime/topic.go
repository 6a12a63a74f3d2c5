package realtime

import (
	"log/slog"
	"sync"

	v1 "pairgate/shared/contracts/pairing/v1"
)

// Topic is the subscriber set for one session id (or for every session, see Hub).
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Topic struct {
	log *slog.Logger
	Key string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewTopic constructs a topic.
func NewTopic(log *slog.Logger, key string) *Topic {
	return &Topic{
		log:     log,
		Key:     key,
		members: make(map[string]*Client),
	}
}

// Join adds a client.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.ConnectionID == "" {
		return
	}

	t.mu.Lock()
	t.members[client.ConnectionID] = client
	t.mu.Unlock()

	t.log.Debug("topic.join", "topic", t.Key, "connection_id", client.ConnectionID)
}

// Leave removes a client. Unlike a disconnect it does not close the client:
// one connection can watch several sessions.
func (t *Topic) Leave(connectionID string) {
	if t == nil || connectionID == "" {
		return
	}

	t.mu.Lock()
	delete(t.members, connectionID)
	t.mu.Unlock()

	t.log.Debug("topic.leave", "topic", t.Key, "connection_id", connectionID)
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast fans an envelope out to all subscribers except skip (when non-empty).
// Non-blocking: if a subscriber queue is full or the client is shutting down, it is dropped.
func (t *Topic) Broadcast(env v1.Envelope, skip map[string]struct{}) (delivered int) {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, m := range t.members {
		if m == nil {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		if m.offer(env) {
			delivered++
			continue
		}
		t.log.Debug("topic.drop", "topic", t.Key, "connection_id", id, "type", env.Type)
	}
	return delivered
}

func (t *Topic) memberIDs() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{}, len(t.members))
	for id := range t.members {
		out[id] = struct{}{}
	}
	return out
}
