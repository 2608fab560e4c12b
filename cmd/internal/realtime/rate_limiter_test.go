package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 3*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed within burst", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("4th event in the same instant should be rejected")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("one token should be refilled after window/limit")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed with default limits", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected default limit to reject event %d", rateLimitEvents+1)
	}
}
