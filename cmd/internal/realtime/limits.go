package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	// Pending requests per connection; they run one at a time in arrival order.
	// session_stop is not queued.
	maxPendingRequests = 16
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
