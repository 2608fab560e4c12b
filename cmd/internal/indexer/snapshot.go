package indexer

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// buildSnapshot derives a ConversationStoreState from the current index.
// Every map and slice is copied here so later mutation can never leak into a published snapshot.
// Caller must hold e.mu.
func (e *Engine) buildSnapshot() ConversationStoreState {
	ix := e.index

	st := ConversationStoreState{
		ThreadSummaries:             make(map[string]ThreadSummary, len(ix.summaries)),
		MessageCounts:               make(map[string]int, len(ix.messages)),
		SortedThreadIDs:             make([]string, 0, len(ix.summaries)),
		OrphanedMessagesByThread:    make(map[string]int),
		ProjectCoordinate:           e.project,
		SnapshotTimestamp:           e.now(),
		LastReplyTimeByThreadAuthor: make(map[string]map[string]int64, len(ix.lastReply)),
	}

	for id, s := range ix.summaries {
		st.ThreadSummaries[id] = s
		st.SortedThreadIDs = append(st.SortedThreadIDs, id)
	}
	sortByActivity(st.SortedThreadIDs, st.ThreadSummaries)

	for id, msgs := range ix.messages {
		n := len(msgs)
		st.MessageCounts[id] = n
		st.TotalMessageCount += n
		if _, ok := ix.summaries[id]; !ok {
			st.OrphanedMessagesByThread[id] = n
		}
	}

	for id, byAuthor := range ix.lastReply {
		cp := make(map[string]int64, len(byAuthor))
		for author, at := range byAuthor {
			cp[author] = at
		}
		st.LastReplyTimeByThreadAuthor[id] = cp
	}

	st.Digest = digestState(st)
	return st
}

// sortByActivity orders ids by LastActivity descending, then by id ascending.
func sortByActivity(ids []string, summaries map[string]ThreadSummary) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := summaries[ids[i]].LastActivity, summaries[ids[j]].LastActivity
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})
}

// digestState hashes a canonical rendering of the indexed content.
// SnapshotTimestamp and the Digest field itself are excluded.
func digestState(st ConversationStoreState) string {
	h, _ := blake2b.New256(nil) // only errors on an oversized key

	var buf []byte
	str := func(s string) {
		buf = binary.AppendUvarint(buf[:0], uint64(len(s)))
		buf = append(buf, s...)
		_, _ = h.Write(buf)
	}
	num := func(n int64) {
		buf = binary.AppendVarint(buf[:0], n)
		_, _ = h.Write(buf)
	}

	str(st.ProjectCoordinate)

	num(int64(len(st.SortedThreadIDs)))
	for _, id := range st.SortedThreadIDs {
		s := st.ThreadSummaries[id]
		str(s.ID)
		str(s.Author)
		str(s.Title)
		str(s.Summary)
		str(s.Phase)
		num(int64(s.ReplyCount))
		num(s.LastActivity)
		num(s.CreatedAt)
	}

	counts := sortedKeys(st.MessageCounts)
	num(int64(len(counts)))
	for _, id := range counts {
		str(id)
		num(int64(st.MessageCounts[id]))
		_, orphan := st.OrphanedMessagesByThread[id]
		if orphan {
			num(1)
		} else {
			num(0)
		}
	}

	threads := sortedKeys(st.LastReplyTimeByThreadAuthor)
	num(int64(len(threads)))
	for _, id := range threads {
		byAuthor := st.LastReplyTimeByThreadAuthor[id]
		str(id)
		authors := sortedKeys(byAuthor)
		num(int64(len(authors)))
		for _, a := range authors {
			str(a)
			num(byAuthor[a])
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
