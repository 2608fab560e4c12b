package indexer

import v1 "convindex/shared/contracts/events/v1"

// threadIndex is the mutable working state of one engine.
// It is not safe for concurrent use; Engine serializes every access.
type threadIndex struct {
	summaries map[string]ThreadSummary      // thread id -> summary
	roots     map[string]v1.Event           // thread id -> cached root event
	messages  map[string][]ProcessedMessage // thread id -> messages in arrival order
	seen      map[string]struct{}           // processed message ids

	// thread id -> author -> latest reply time
	lastReply map[string]map[string]int64
}

func newThreadIndex() *threadIndex {
	return &threadIndex{
		summaries: make(map[string]ThreadSummary),
		roots:     make(map[string]v1.Event),
		messages:  make(map[string][]ProcessedMessage),
		seen:      make(map[string]struct{}),
		lastReply: make(map[string]map[string]int64),
	}
}

// storedActivity reports how many messages are already held for threadID and the
// latest of their timestamps.
func (ix *threadIndex) storedActivity(threadID string) (count int, latest int64, ok bool) {
	msgs := ix.messages[threadID]
	if len(msgs) == 0 {
		return 0, 0, false
	}
	latest = msgs[0].CreatedAt
	for _, m := range msgs[1:] {
		if m.CreatedAt > latest {
			latest = m.CreatedAt
		}
	}
	return len(msgs), latest, true
}

func (ix *threadIndex) recordReply(threadID, author string, at int64) {
	byAuthor := ix.lastReply[threadID]
	if byAuthor == nil {
		byAuthor = make(map[string]int64)
		ix.lastReply[threadID] = byAuthor
	}
	if prev, ok := byAuthor[author]; !ok || at > prev {
		byAuthor[author] = at
	}
}
