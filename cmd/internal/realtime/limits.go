package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Event batches are the largest frames.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max events accepted in one events_publish envelope.
	maxBatchEvents = 500
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Projects a hub will create before refusing new coordinates (overridable through config).
const defaultMaxProjects = 1024
