package realtime

import (
	"encoding/json"
	"time"

	"convindex/cmd/internal/indexer"
	v1 "convindex/shared/contracts/realtime/v1"
)

// StateToWire maps a snapshot onto its wire shape.
// The snapshot is already a private copy, so maps are converted, not re-copied defensively.
func StateToWire(st indexer.ConversationStoreState) v1.ConversationState {
	out := v1.ConversationState{
		ThreadSummaries:             make(map[string]v1.ThreadSummary, len(st.ThreadSummaries)),
		MessageCounts:               st.MessageCounts,
		SortedThreadIDs:             st.SortedThreadIDs,
		OrphanedMessagesByThread:    st.OrphanedMessagesByThread,
		TotalMessageCount:           st.TotalMessageCount,
		ProjectCoordinate:           st.ProjectCoordinate,
		SnapshotTimestamp:           st.SnapshotTimestamp,
		LastReplyTimeByThreadAuthor: st.LastReplyTimeByThreadAuthor,
		Digest:                      st.Digest,
	}
	for id, s := range st.ThreadSummaries {
		out.ThreadSummaries[id] = v1.ThreadSummary{
			ID:                s.ID,
			Author:            s.Author,
			ProjectCoordinate: s.ProjectCoordinate,
			Title:             s.Title,
			Summary:           s.Summary,
			Phase:             s.Phase,
			ReplyCount:        s.ReplyCount,
			LastActivity:      s.LastActivity,
			CreatedAt:         s.CreatedAt,
		}
	}
	return out
}

// MessagesToWire maps processed messages onto their wire shape, preserving order.
func MessagesToWire(msgs []indexer.ProcessedMessage) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.Message{
			ID:               m.ID,
			ThreadID:         m.ThreadID,
			Author:           m.Author,
			Content:          m.Content,
			CreatedAt:        m.CreatedAt,
			ReplyToMessageID: m.ReplyToMessageID,
		})
	}
	return out
}

func snapshotEnvelope(st indexer.ConversationStoreState, ts time.Time) v1.Envelope {
	p, _ := json.Marshal(v1.SnapshotPayload{
		Project: st.ProjectCoordinate,
		State:   StateToWire(st),
	})
	return newEnvelope(v1.TypeSnapshot, p, ts)
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}
