package indexer

import v1 "convindex/shared/contracts/events/v1"

// handleThreadRoot creates or refreshes the summary of the thread the event roots.
//
// On first sight the reply count and last activity are seeded from messages that
// arrived before the root. On later sightings they are carried forward unchanged,
// as is CreatedAt.
func (e *Engine) handleThreadRoot(ev v1.Event) {
	if ev.ID == "" {
		e.drop(ev, dropMissingID)
		return
	}
	title, ok := ev.TagValue(v1.TagTitle)
	if !ok {
		e.drop(ev, dropMissingTitle)
		return
	}
	phase, _ := ev.TagValue(v1.TagPhase)
	summary, _ := parseSummary(ev.Content)

	next := ThreadSummary{
		ID:                ev.ID,
		Author:            ev.PubKey,
		ProjectCoordinate: e.project,
		Title:             title,
		Summary:           summary,
		Phase:             phase,
	}

	if prev, exists := e.index.summaries[ev.ID]; exists {
		next.ReplyCount = prev.ReplyCount
		next.LastActivity = prev.LastActivity
		next.CreatedAt = prev.CreatedAt
		if next.Summary == "" {
			next.Summary = prev.Summary
		}
		if next.Phase == "" {
			next.Phase = prev.Phase
		}
	} else {
		next.CreatedAt = ev.CreatedAt
		next.LastActivity = ev.CreatedAt
		if count, latest, ok := e.index.storedActivity(ev.ID); ok {
			next.ReplyCount = count
			next.LastActivity = latest
		}
	}

	e.index.summaries[ev.ID] = next
	e.index.roots[ev.ID] = ev.Clone()
}

// handleMetadata applies title/summary/phase to an existing thread.
// Metadata for a thread whose root has not been processed is discarded, not buffered.
func (e *Engine) handleMetadata(ev v1.Event) {
	threadID, ok := ev.TagValue(v1.TagRoot)
	if !ok || threadID == "" {
		e.drop(ev, dropMissingRoot)
		return
	}
	title, ok := ev.TagValue(v1.TagTitle)
	if !ok {
		e.drop(ev, dropMissingTitle)
		return
	}

	cur, exists := e.index.summaries[threadID]
	if !exists {
		e.drop(ev, dropNoThread)
		return
	}

	cur.Title = title
	if summary, ok := parseSummary(ev.Content); ok {
		cur.Summary = summary
	}
	if phase, ok := ev.TagValue(v1.TagPhase); ok && phase != "" {
		cur.Phase = phase
	}
	e.index.summaries[threadID] = cur
}

// handleMessage stores a message once per event id and folds it into its thread.
// Messages for unknown threads are kept and counted once the root arrives.
func (e *Engine) handleMessage(ev v1.Event) {
	if ev.ID == "" {
		e.drop(ev, dropMissingID)
		return
	}
	threadID, ok := ev.TagValue(v1.TagRoot)
	if !ok || threadID == "" {
		e.drop(ev, dropMissingRoot)
		return
	}
	if _, dup := e.index.seen[ev.ID]; dup {
		e.metrics.duplicate()
		return
	}
	e.index.seen[ev.ID] = struct{}{}

	replyTo, _ := ev.TagValue(v1.TagReply)
	e.index.messages[threadID] = append(e.index.messages[threadID], ProcessedMessage{
		ID:               ev.ID,
		ThreadID:         threadID,
		Author:           ev.PubKey,
		Content:          ev.Content,
		CreatedAt:        ev.CreatedAt,
		ReplyToMessageID: replyTo,
	})
	e.index.recordReply(threadID, ev.PubKey, ev.CreatedAt)

	if cur, exists := e.index.summaries[threadID]; exists {
		cur.ReplyCount++
		if ev.CreatedAt > cur.LastActivity {
			cur.LastActivity = ev.CreatedAt
		}
		e.index.summaries[threadID] = cur
	}
}
