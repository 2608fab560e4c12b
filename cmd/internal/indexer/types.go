package indexer

import "time"

// ThreadSummary is the aggregated view of one thread.
//
// It is a value type: handlers replace the whole record in the index, never a field in place.
// Summary and Phase are empty when absent.
type ThreadSummary struct {
	ID                string
	Author            string
	ProjectCoordinate string
	Title             string
	Summary           string
	Phase             string
	ReplyCount        int
	LastActivity      int64
	CreatedAt         int64
}

// ProcessedMessage is one unique message event, stored in arrival order per thread.
// ReplyToMessageID is empty when the message does not reply to a specific message.
type ProcessedMessage struct {
	ID               string
	ThreadID         string
	Author           string
	Content          string
	CreatedAt        int64
	ReplyToMessageID string
}

// ConversationStoreState is an immutable snapshot of the index.
//
// Every collection is a private copy taken at build time; it is safe to read from any
// number of goroutines for as long as it is held.
type ConversationStoreState struct {
	ThreadSummaries map[string]ThreadSummary
	MessageCounts   map[string]int
	SortedThreadIDs []string

	// Threads referenced by messages whose root event has not been seen.
	OrphanedMessagesByThread map[string]int

	TotalMessageCount int
	ProjectCoordinate string
	SnapshotTimestamp time.Time

	// thread id -> author -> unix seconds of that author's latest reply.
	LastReplyTimeByThreadAuthor map[string]map[string]int64

	// Digest identifies the indexed content; it ignores SnapshotTimestamp.
	Digest string
}

// EmptyState returns the snapshot of an index that has seen nothing.
func EmptyState(projectCoordinate string) ConversationStoreState {
	st := ConversationStoreState{
		ThreadSummaries:             map[string]ThreadSummary{},
		MessageCounts:               map[string]int{},
		SortedThreadIDs:             []string{},
		OrphanedMessagesByThread:    map[string]int{},
		ProjectCoordinate:           projectCoordinate,
		LastReplyTimeByThreadAuthor: map[string]map[string]int64{},
	}
	st.Digest = digestState(st)
	return st
}
