package indexer

import v1 "convindex/shared/contracts/events/v1"

// Drop reasons (metric label values).
const (
	dropUnknownKind  = "unknown_kind"
	dropMissingID    = "missing_id"
	dropMissingTitle = "missing_title"
	dropMissingRoot  = "missing_root_ref"
	dropNoThread     = "thread_not_found"
)

// Event categories (metric label values).
const (
	categoryRoot     = "thread_root"
	categoryMetadata = "metadata"
	categoryMessage  = "message"
)

// processEvent routes one event to its handler. Unknown kinds are ignored.
// Caller must hold e.mu.
func (e *Engine) processEvent(ev v1.Event) {
	switch ev.Kind {
	case v1.KindThreadRoot:
		e.metrics.event(categoryRoot)
		e.handleThreadRoot(ev)
	case v1.KindConversationMetadata:
		e.metrics.event(categoryMetadata)
		e.handleMetadata(ev)
	case v1.KindMessage, v1.KindStreamingDelta:
		e.metrics.event(categoryMessage)
		e.handleMessage(ev)
	default:
		e.drop(ev, dropUnknownKind)
	}
}

func (e *Engine) drop(ev v1.Event, reason string) {
	e.metrics.dropped(reason)
	e.log.Debug("indexer.event.drop",
		"project", e.project,
		"event_id", ev.ID,
		"kind", ev.Kind,
		"reason", reason,
	)
}
