package realtime

import (
	"time"

	"convindex/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	return ids.MustULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
