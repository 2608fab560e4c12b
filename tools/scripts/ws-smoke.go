// Package main provides a CI-friendly WebSocket smoke test for the convindex snapshot gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe echo + initial empty snapshot
//   - a reply published before its thread root is counted once the root arrives
//   - snapshot fanout to another subscriber
//   - redelivering the same events keeps the digest and triggers no broadcast
//   - messages fetch for the thread
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	events "convindex/shared/contracts/events/v1"
	v1 "convindex/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		project = flag.String("project", "", "Project coordinate (default: a fresh one per run)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	run := time.Now().UnixNano()
	coord := *project
	if strings.TrimSpace(coord) == "" {
		coord = fmt.Sprintf("31933:smoke:%d", run)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q project=%s\n", a.sessionID, b.sessionID, *origin, coord)
	}

	mustSubscribe(root, a, coord, *timeout)
	mustSubscribe(root, b, coord, *timeout)

	threadID := fmt.Sprintf("root-%d", run)
	reply := events.Event{
		ID:        fmt.Sprintf("msg-%d", run),
		PubKey:    "smoke-replier",
		Kind:      events.KindMessage,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{events.TagRoot, threadID}},
		Content:   "reply before root",
	}
	thread := events.Event{
		ID:        threadID,
		PubKey:    "smoke-author",
		Kind:      events.KindThreadRoot,
		CreatedAt: reply.CreatedAt - 60,
		Tags:      [][]string{{events.TagTitle, "smoke thread"}, {events.TagProject, coord}},
	}

	mustPublish(root, a, coord, []events.Event{reply}, *timeout)
	orphaned := mustReadSnapshot(root, b, *timeout)
	if orphaned.OrphanedMessagesByThread[threadID] != 1 {
		fatalf("expected 1 orphaned message for %s, got %v", threadID, orphaned.OrphanedMessagesByThread)
	}

	digest := mustPublish(root, a, coord, []events.Event{thread}, *timeout)
	st := mustReadSnapshot(root, b, *timeout)
	sum, ok := st.ThreadSummaries[threadID]
	if !ok {
		fatalf("snapshot missing thread %s", threadID)
	}
	if sum.ReplyCount != 1 {
		fatalf("reply_count mismatch: got=%d want=1", sum.ReplyCount)
	}
	if sum.LastActivity != reply.CreatedAt {
		fatalf("last_activity mismatch: got=%d want=%d", sum.LastActivity, reply.CreatedAt)
	}
	if st.Digest != digest {
		fatalf("snapshot digest %q differs from ack digest %q", st.Digest, digest)
	}

	_ = drainOptional(root, a, v1.TypeSnapshot, 750*time.Millisecond)

	again := mustPublish(root, a, coord, []events.Event{reply, thread}, *timeout)
	if again != digest {
		fatalf("redelivery changed digest: first=%q second=%q", digest, again)
	}

	mustAssertNoType(root, b, v1.TypeSnapshot, 1200*time.Millisecond)

	mustMessagesFetch(root, b, coord, threadID, reply.ID, *timeout)

	fmt.Printf("OK: A=%s B=%s project=%s thread=%s digest=%s\n", a.sessionID, b.sessionID, coord, threadID, digest)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, coord string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeProjectSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ProjectPayload{Project: coord}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeProjectSubscribe, stepTimeout, nil)

	var p v1.ProjectPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal subscribe echo payload (%s): %v", c.name, err)
	}
	if p.Project != coord {
		fatalf("subscribe echo project mismatch (%s): got=%q want=%q", c.name, p.Project, coord)
	}

	st := mustReadSnapshot(parent, c, stepTimeout)
	if st.ProjectCoordinate != coord {
		fatalf("initial snapshot project mismatch (%s): got=%q want=%q", c.name, st.ProjectCoordinate, coord)
	}
}

func mustPublish(parent context.Context, c *smokeClient, coord string, batch []events.Event, stepTimeout time.Duration) (digest string) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeEventsPublish,
		ID:      fmt.Sprintf("%s-publish-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.EventsPublishPayload{Project: coord, Events: batch}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The publisher is subscribed too; its broadcast copy may precede the ack.
	skip := map[string]struct{}{v1.TypeSnapshot: {}}
	ack := c.mustReadUntilType(parent, v1.TypeEventsAck, stepTimeout, skip)

	var p v1.EventsAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal events_ack payload (%s): %v", c.name, err)
	}
	if p.Project != coord {
		fatalf("ack project mismatch (%s): got=%q want=%q", c.name, p.Project, coord)
	}
	if p.Received != len(batch) {
		fatalf("ack received mismatch (%s): got=%d want=%d", c.name, p.Received, len(batch))
	}
	if strings.TrimSpace(p.Digest) == "" {
		fatalf("ack missing digest (%s)", c.name)
	}
	return p.Digest
}

func mustReadSnapshot(parent context.Context, c *smokeClient, stepTimeout time.Duration) v1.ConversationState {
	env := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout, nil)

	var p v1.SnapshotPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal snapshot payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.State.Digest) == "" {
		fatalf("snapshot missing digest (%s)", c.name)
	}
	return p.State
}

func mustMessagesFetch(parent context.Context, c *smokeClient, coord, threadID, wantMsgID string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessagesFetch,
		ID:      fmt.Sprintf("%s-messages-fetch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ThreadFetchPayload{Project: coord, ThreadID: threadID}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeMessagesChunk, stepTimeout, nil)

	var p v1.MessagesChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal messages_chunk payload (%s): %v", c.name, err)
	}
	if p.ThreadID != threadID {
		fatalf("messages_chunk thread mismatch (%s): got=%q want=%q", c.name, p.ThreadID, threadID)
	}
	if len(p.Messages) != 1 || p.Messages[0].ID != wantMsgID {
		fatalf("messages_chunk unexpected messages (%s): %+v", c.name, p.Messages)
	}
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
