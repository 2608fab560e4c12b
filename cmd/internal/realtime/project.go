package realtime

import (
	"log/slog"
	"sync"
	"time"

	"convindex/cmd/internal/indexer"
	events "convindex/shared/contracts/events/v1"
	v1 "convindex/shared/contracts/realtime/v1"
)

// Project pairs one indexer engine with the sessions subscribed to its snapshots.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Broadcast.
// - Publish and Reset are serialized so subscribers see snapshots in processing order.
// - Broadcast never blocks (drops under backpressure).
type Project struct {
	log    *slog.Logger
	ID     string
	Engine *indexer.Engine

	pubMu      sync.Mutex
	lastDigest string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewProject constructs a project around an engine.
func NewProject(log *slog.Logger, engine *indexer.Engine) *Project {
	return &Project{
		log:        log,
		ID:         engine.ProjectCoordinate(),
		Engine:     engine,
		lastDigest: indexer.EmptyState(engine.ProjectCoordinate()).Digest,
		members:    make(map[string]*Client),
	}
}

// Subscribe adds a client to the snapshot fanout.
func (p *Project) Subscribe(client *Client) {
	if p == nil || client == nil || client.SessionID == "" {
		return
	}

	p.mu.Lock()
	p.members[client.SessionID] = client
	p.mu.Unlock()

	p.log.Info("project.subscribe", "project", p.ID, "session_id", client.SessionID)
}

// Join subscribes client and queues the current snapshot for it as one step.
// Holding pubMu keeps any concurrent Publish or Reset either fully before the
// snapshot read (its result is in the snapshot) or fully after the subscription
// (its broadcast is queued behind the snapshot). It reports false, leaving the
// client unsubscribed, when the snapshot could not be queued.
func (p *Project) Join(client *Client) bool {
	if p == nil || client == nil || client.SessionID == "" {
		return false
	}

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.Subscribe(client)
	if !client.Offer(snapshotEnvelope(p.Engine.Snapshot(), time.Now().UTC())) {
		p.Unsubscribe(client.SessionID)
		return false
	}
	return true
}

// Unsubscribe removes a client from the fanout. It does not close the client.
func (p *Project) Unsubscribe(sessionID string) {
	if p == nil || sessionID == "" {
		return
	}

	p.mu.Lock()
	_, ok := p.members[sessionID]
	delete(p.members, sessionID)
	p.mu.Unlock()

	if ok {
		p.log.Info("project.unsubscribe", "project", p.ID, "session_id", sessionID)
	}
}

// Subscribers returns the number of subscribed sessions.
func (p *Project) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// Publish indexes a batch and broadcasts the snapshot when the indexed content changed.
// It reports whether a broadcast happened.
func (p *Project) Publish(batch []events.Event) (indexer.ConversationStoreState, bool) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	st := p.Engine.ProcessBatch(batch)
	if st.Digest == p.lastDigest {
		return st, false
	}
	p.lastDigest = st.Digest
	p.Broadcast(snapshotEnvelope(st, time.Now().UTC()))
	return st, true
}

// Reset clears the engine and broadcasts the empty snapshot.
func (p *Project) Reset() indexer.ConversationStoreState {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.Engine.Reset()
	st := p.Engine.Snapshot()
	p.lastDigest = st.Digest
	p.Broadcast(snapshotEnvelope(st, time.Now().UTC()))
	return st
}

// Broadcast fans an envelope out to all subscribers.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (p *Project) Broadcast(env v1.Envelope) {
	if p == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		if !m.Offer(env) {
			p.log.Warn("project.broadcast.drop",
				"project", p.ID,
				"session_id", m.SessionID,
				"dropped_total", m.Dropped(),
			)
		}
	}
}
