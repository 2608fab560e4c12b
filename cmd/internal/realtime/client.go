package realtime

import (
	"sync"
	"sync/atomic"

	v1 "convindex/shared/contracts/realtime/v1"
)

const defaultClientQueue = 64

// Client is one connected websocket session as seen by a Project.
//
// Send is drained by the session writer and never closed; Close only signals done,
// so concurrent broadcasters cannot panic on a closed channel.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultClientQueue
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Offer queues env without blocking. It returns false when the session is closing
// or its queue is full; a full queue counts as a drop.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped reports how many envelopes were refused because the queue was full.
func (c *Client) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Done is closed once the session starts shutting down. A nil client is always done.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close marks the session as shutting down. Safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
