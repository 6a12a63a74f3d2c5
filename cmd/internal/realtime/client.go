package realtime

import (
	"sync"

	v1 "pairgate/shared/contracts/pairing/v1"
)

// Client represents one connected websocket operator.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	ConnectionID string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. Returns false when the queue is full or the client is closing.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
