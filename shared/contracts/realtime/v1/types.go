// Package v1 defines the convindex realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	events "convindex/shared/contracts/events/v1"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on upgrade.
const Subprotocol = "convindex.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeProjectSubscribe subscribes to snapshots of a project (client -> server) and is echoed back.
	TypeProjectSubscribe = "project_subscribe"
	// TypeProjectReset clears the index of a project (client -> server).
	TypeProjectReset = "project_reset"

	// TypeEventsPublish hands a batch of protocol events to the indexer (client -> server).
	TypeEventsPublish = "events_publish"
	// TypeEventsAck acknowledges a processed batch (server -> client).
	TypeEventsAck = "events_ack"

	// TypeSnapshot carries a conversation state snapshot (server -> subscribers).
	TypeSnapshot = "snapshot"

	// TypeMessagesFetch requests the messages of one thread (client -> server).
	TypeMessagesFetch = "messages_fetch"
	// TypeMessagesChunk returns the messages of one thread (server -> client).
	TypeMessagesChunk = "messages_chunk"

	// TypeThreadEventFetch requests the cached root event of a thread (client -> server).
	TypeThreadEventFetch = "thread_event_fetch"
	// TypeThreadEvent returns the cached root event of a thread (server -> client).
	TypeThreadEvent = "thread_event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeProjectSubscribe,
		TypeProjectReset,
		TypeEventsPublish,
		TypeEventsAck,
		TypeSnapshot,
		TypeMessagesFetch,
		TypeMessagesChunk,
		TypeThreadEventFetch,
		TypeThreadEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ProjectPayload names a project coordinate. Used by subscribe (and its echo) and reset.
type ProjectPayload struct {
	Project string `json:"project"`
}

// EventsPublishPayload carries one batch of protocol events for a project.
type EventsPublishPayload struct {
	Project string         `json:"project"`
	Events  []events.Event `json:"events"`
}

// EventsAckPayload acknowledges a processed batch.
type EventsAckPayload struct {
	Project  string `json:"project"`
	Received int    `json:"received"`
	Digest   string `json:"digest"`
}

// SnapshotPayload wraps a conversation state snapshot.
type SnapshotPayload struct {
	Project string            `json:"project"`
	State   ConversationState `json:"state"`
}

// ThreadFetchPayload addresses one thread of a project.
type ThreadFetchPayload struct {
	Project  string `json:"project"`
	ThreadID string `json:"thread_id"`
}

// MessagesChunkPayload returns the messages of a thread in arrival order.
type MessagesChunkPayload struct {
	Project  string    `json:"project"`
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
}

// ThreadEventPayload returns the cached root event of a thread, if any.
type ThreadEventPayload struct {
	Project  string        `json:"project"`
	ThreadID string        `json:"thread_id"`
	Found    bool          `json:"found"`
	Event    *events.Event `json:"event,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Snapshot wire shapes ----

// ThreadSummary is the wire form of an indexed thread.
type ThreadSummary struct {
	ID                string `json:"id"`
	Author            string `json:"author"`
	ProjectCoordinate string `json:"project_coordinate"`
	Title             string `json:"title"`
	Summary           string `json:"summary,omitempty"`
	Phase             string `json:"phase,omitempty"`
	ReplyCount        int    `json:"reply_count"`
	LastActivity      int64  `json:"last_activity"`
	CreatedAt         int64  `json:"created_at"`
}

// Message is the wire form of an indexed message.
type Message struct {
	ID               string `json:"id"`
	ThreadID         string `json:"thread_id"`
	Author           string `json:"author"`
	Content          string `json:"content"`
	CreatedAt        int64  `json:"created_at"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

// ConversationState is the wire form of a conversation state snapshot.
type ConversationState struct {
	ThreadSummaries             map[string]ThreadSummary    `json:"thread_summaries"`
	MessageCounts               map[string]int              `json:"message_counts"`
	SortedThreadIDs             []string                    `json:"sorted_thread_ids"`
	OrphanedMessagesByThread    map[string]int              `json:"orphaned_messages_by_thread"`
	TotalMessageCount           int                         `json:"total_message_count"`
	ProjectCoordinate           string                      `json:"project_coordinate"`
	SnapshotTimestamp           time.Time                   `json:"snapshot_timestamp"`
	LastReplyTimeByThreadAuthor map[string]map[string]int64 `json:"last_reply_time_by_thread_author"`
	Digest                      string                      `json:"digest"`
}
