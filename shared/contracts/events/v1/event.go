// Package v1 defines the protocol event record consumed by the conversation indexer.
//
// Events arrive already parsed from relays. This package does not verify signatures
// or ids; it only names the kinds and tags the indexer cares about.
package v1

// Event kinds (wire-stable).
const (
	// KindThreadRoot establishes a thread and carries its title.
	KindThreadRoot = 11
	// KindConversationMetadata updates title/summary/phase of an existing thread.
	KindConversationMetadata = 513
	// KindMessage is a reply inside a thread with fixed content.
	KindMessage = 1111
	// KindStreamingDelta is a streamed reply chunk. Indexed like KindMessage.
	KindStreamingDelta = 21111
)

// Tag names.
const (
	TagTitle   = "title"
	TagPhase   = "phase"
	TagRoot    = "E" // thread-root reference
	TagReply   = "e" // direct-parent reference
	TagProject = "a" // project coordinate
)

// Event is one protocol event record.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// TagValue returns the first value of the first tag named name.
// A tag without a value (len < 2) does not count.
func (e Event) TagValue(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// Clone returns a deep copy so callers cannot alias the tag slices.
func (e Event) Clone() Event {
	out := e
	if e.Tags != nil {
		out.Tags = make([][]string, len(e.Tags))
		for i, t := range e.Tags {
			out.Tags[i] = append([]string(nil), t...)
		}
	}
	return out
}
