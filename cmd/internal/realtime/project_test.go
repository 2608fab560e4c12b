package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"convindex/cmd/internal/indexer"
	events "convindex/shared/contracts/events/v1"
	v1 "convindex/shared/contracts/realtime/v1"
)

const testProject = "31933:ab12:demo"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rootEvent(id, title string, at int64) events.Event {
	return events.Event{
		ID:        id,
		PubKey:    "pk-" + id,
		Kind:      events.KindThreadRoot,
		CreatedAt: at,
		Tags:      [][]string{{events.TagTitle, title}},
	}
}

func messageEvent(id, threadID string, at int64) events.Event {
	return events.Event{
		ID:        id,
		PubKey:    "pk-msg",
		Kind:      events.KindMessage,
		CreatedAt: at,
		Tags:      [][]string{{events.TagRoot, threadID}},
		Content:   "body " + id,
	}
}

func drainSnapshots(t *testing.T, c *Client) []v1.SnapshotPayload {
	t.Helper()

	var out []v1.SnapshotPayload
	for {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypeSnapshot {
				t.Fatalf("unexpected envelope type %q", env.Type)
			}
			var p v1.SnapshotPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestProject_PublishBroadcastsOnlyOnChange(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))
	c := NewClient("s1", 8)
	p.Subscribe(c)

	batch := []events.Event{messageEvent("m1", "T", 20), rootEvent("T", "Topic", 10)}

	st, sent := p.Publish(batch)
	if !sent {
		t.Fatalf("first publish should broadcast")
	}
	if st.ThreadSummaries["T"].ReplyCount != 1 {
		t.Fatalf("replyCount=%d want=1", st.ThreadSummaries["T"].ReplyCount)
	}

	if _, sent := p.Publish(batch); sent {
		t.Fatalf("redelivered batch should not broadcast")
	}
	if _, sent := p.Publish(nil); sent {
		t.Fatalf("empty batch should not broadcast")
	}

	snaps := drainSnapshots(t, c)
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots want 1", len(snaps))
	}
	if got := snaps[0].State.ThreadSummaries["T"].Title; got != "Topic" {
		t.Fatalf("title=%q want=%q", got, "Topic")
	}
	if snaps[0].State.Digest != st.Digest {
		t.Fatalf("digest mismatch")
	}
}

func TestProject_ResetBroadcastsEmptyState(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))
	p.Publish([]events.Event{rootEvent("T", "Topic", 10)})

	c := NewClient("s1", 8)
	p.Subscribe(c)
	p.Reset()

	snaps := drainSnapshots(t, c)
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots want 1", len(snaps))
	}
	if n := len(snaps[0].State.ThreadSummaries); n != 0 {
		t.Fatalf("threads after reset=%d want=0", n)
	}
	if snaps[0].State.Digest != indexer.EmptyState(testProject).Digest {
		t.Fatalf("reset digest should equal empty state digest")
	}

	// The same root after reset is new content again.
	if _, sent := p.Publish([]events.Event{rootEvent("T", "Topic", 10)}); !sent {
		t.Fatalf("publish after reset should broadcast")
	}
}

func TestProject_BroadcastSkipsClosedAndFullClients(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))

	closed := NewClient("closed", 1)
	closed.Close()
	full := NewClient("full", 1)
	full.Send <- v1.Envelope{Type: v1.TypeError}

	p.Subscribe(closed)
	p.Subscribe(full)
	p.Broadcast(v1.Envelope{Type: v1.TypeSnapshot})

	if len(closed.Send) != 0 {
		t.Fatalf("closed client should not receive broadcasts")
	}
	if env := <-full.Send; env.Type != v1.TypeError {
		t.Fatalf("full client queue should keep its original envelope")
	}
	if got := full.Dropped(); got != 1 {
		t.Fatalf("full client dropped=%d want=1", got)
	}
	if got := closed.Dropped(); got != 0 {
		t.Fatalf("closed client dropped=%d want=0", got)
	}

	p.Unsubscribe("full")
	p.Unsubscribe("closed")
	if n := p.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d want=0", n)
	}
}

func TestHub_GetOrCreateProjectIsStable(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), nil, 0)
	if _, ok := h.Project(testProject); ok {
		t.Fatalf("project should not exist before first use")
	}

	a, err := h.GetOrCreateProject(testProject)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	b, err := h.GetOrCreateProject(testProject)
	if err != nil || a != b {
		t.Fatalf("expected the same project handle")
	}
	if got, ok := h.Project(testProject); !ok || got != a {
		t.Fatalf("lookup should return the created project")
	}
	if a.Engine.ProjectCoordinate() != testProject {
		t.Fatalf("engine coordinate=%q", a.Engine.ProjectCoordinate())
	}
}

func TestClient_OfferAndClose(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 0)
	if cap(c.Send) != defaultClientQueue {
		t.Fatalf("queue cap=%d want=%d", cap(c.Send), defaultClientQueue)
	}
	if !c.Offer(v1.Envelope{Type: v1.TypeSnapshot}) {
		t.Fatalf("offer on open client should succeed")
	}

	c.Close()
	c.Close()
	if c.Offer(v1.Envelope{Type: v1.TypeSnapshot}) {
		t.Fatalf("offer after close should fail")
	}
	if c.Dropped() != 0 {
		t.Fatalf("refusals after close are not drops")
	}

	var nilClient *Client
	select {
	case <-nilClient.Done():
	default:
		t.Fatalf("nil client must report done")
	}
}

func TestHub_ProjectLimit(t *testing.T) {
	t.Parallel()

	h := NewHub(discardLogger(), nil, 2)
	for _, coord := range []string{"p1", "p2"} {
		if _, err := h.GetOrCreateProject(coord); err != nil {
			t.Fatalf("create %s: %v", coord, err)
		}
	}

	if _, err := h.GetOrCreateProject("p3"); !errors.Is(err, ErrProjectLimit) {
		t.Fatalf("third project err=%v want ErrProjectLimit", err)
	}
	if _, ok := h.Project("p3"); ok {
		t.Fatalf("refused project must not be registered")
	}
	if _, err := h.GetOrCreateProject("p1"); err != nil {
		t.Fatalf("existing project must stay reachable at the cap: %v", err)
	}
	if n := h.Len(); n != 2 {
		t.Fatalf("projects=%d want=2", n)
	}

	if def := NewHub(discardLogger(), nil, 0); def.maxProjects != defaultMaxProjects {
		t.Fatalf("default cap=%d want=%d", def.maxProjects, defaultMaxProjects)
	}
}

// A publish that is in flight while a session joins must end up either inside the
// join snapshot or queued behind it, never ahead of it.
func TestProject_JoinSnapshotNotOvertakenByPublish(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))
	c := NewClient("late", 8)

	// Stand in for a Publish that holds the lock while it indexes.
	p.pubMu.Lock()
	joined := make(chan bool, 1)
	go func() { joined <- p.Join(c) }()

	select {
	case <-joined:
		t.Fatalf("join must wait for the in-flight publish")
	case <-time.After(50 * time.Millisecond):
	}
	batch := []events.Event{rootEvent("T", "Topic", 10), messageEvent("m1", "T", 20)}
	p.Engine.ProcessBatch(batch)
	p.pubMu.Unlock()

	if ok := <-joined; !ok {
		t.Fatalf("join failed")
	}

	// A redelivery afterwards must not regress what the subscriber holds.
	p.Publish(batch)

	snaps := drainSnapshots(t, c)
	if len(snaps) == 0 {
		t.Fatalf("expected the join snapshot")
	}
	last := snaps[len(snaps)-1].State
	if got := last.ThreadSummaries["T"].ReplyCount; got != 1 {
		t.Fatalf("subscriber left with reply_count=%d want=1", got)
	}
	if last.Digest != p.Engine.Snapshot().Digest {
		t.Fatalf("subscriber digest %q differs from engine", last.Digest)
	}
}

func TestProject_JoinUnderConcurrentPublishIsMonotonic(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))
	p.Publish([]events.Event{rootEvent("T", "Topic", 1)})

	const replies = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < replies; i++ {
			p.Publish([]events.Event{messageEvent(fmt.Sprintf("m%d", i), "T", int64(10+i))})
		}
	}()

	clients := make([]*Client, 20)
	for i := range clients {
		clients[i] = NewClient(fmt.Sprintf("s%d", i), replies+8)
		if !p.Join(clients[i]) {
			t.Fatalf("join %d failed", i)
		}
	}
	wg.Wait()

	for _, c := range clients {
		prev := -1
		for _, snap := range drainSnapshots(t, c) {
			n := snap.State.ThreadSummaries["T"].ReplyCount
			if n < prev {
				t.Fatalf("%s saw reply_count go back from %d to %d", c.SessionID, prev, n)
			}
			prev = n
		}
		if prev != replies {
			t.Fatalf("%s ended at reply_count=%d want=%d", c.SessionID, prev, replies)
		}
	}
}

func TestProject_JoinRefusedWhenQueueFull(t *testing.T) {
	t.Parallel()

	p := NewProject(discardLogger(), indexer.NewEngine(testProject))
	c := NewClient("full", 1)
	c.Send <- v1.Envelope{Type: v1.TypeError}

	if p.Join(c) {
		t.Fatalf("join should fail when the snapshot cannot be queued")
	}
	if n := p.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d want=0", n)
	}
}
