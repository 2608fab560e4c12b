// Package indexer reconstructs conversation threads from protocol events and publishes
// immutable snapshots of the result.
//
// Concurrency model:
//   - One Engine indexes one project and is the single writer of its state.
//   - Every public method takes the engine-wide mutex; handlers run seed-then-increment
//     sequences that must not interleave.
//   - Snapshots are deep copies and may be read concurrently without locking.
//
// Malformed or unrecognized events are dropped silently. No operation returns an error.
package indexer

import (
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "convindex/shared/contracts/events/v1"
)

// Engine indexes the events of one project.
type Engine struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
	project string

	mu    sync.Mutex
	index *threadIndex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger (default: discard).
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records indexing activity into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an empty engine for projectCoordinate.
func NewEngine(projectCoordinate string, opts ...Option) *Engine {
	e := &Engine{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
		project: projectCoordinate,
		index:   newThreadIndex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ProjectCoordinate returns the project this engine indexes.
func (e *Engine) ProjectCoordinate() string { return e.project }

// ProcessBatch applies events in order and returns one snapshot of the result.
// Re-delivering events that were already processed does not change the indexed state.
func (e *Engine) ProcessBatch(events []v1.Event) ConversationStoreState {
	e.mu.Lock()
	start := time.Now()
	for _, ev := range events {
		e.processEvent(ev)
	}
	st := e.buildSnapshot()
	elapsed := time.Since(start)
	e.mu.Unlock()

	e.metrics.observeBatch(elapsed.Seconds(), st)
	e.log.Debug("indexer.batch.processed",
		"project", e.project,
		"events", len(events),
		"threads", len(st.ThreadSummaries),
		"messages", st.TotalMessageCount,
		"digest", st.Digest,
	)
	return st
}

// Snapshot returns the current state without processing anything.
func (e *Engine) Snapshot() ConversationStoreState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildSnapshot()
}

// Messages returns the messages of threadID in arrival order.
// The result is a copy; it is empty (never nil) when the thread has no messages.
func (e *Engine) Messages(threadID string) []ProcessedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := e.index.messages[threadID]
	out := make([]ProcessedMessage, len(msgs))
	copy(out, msgs)
	return out
}

// ThreadEvent returns a copy of the cached root event of threadID.
func (e *Engine) ThreadEvent(threadID string) (v1.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.index.roots[threadID]
	if !ok {
		return v1.Event{}, false
	}
	return ev.Clone(), true
}

// Reset clears every collection, leaving the engine as freshly constructed.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.index = newThreadIndex()
	st := e.buildSnapshot()
	e.mu.Unlock()

	e.metrics.observeState(st)
	e.log.Info("indexer.reset", "project", e.project)
}
