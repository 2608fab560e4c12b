// Package ids provides ID primitives (ULID) for sessions and envelopes.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps envelope ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot fail; it falls back to a zero-entropy id.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		return ulid.MustNew(ulid.Timestamp(now), nil).String()
	}
	return id
}
