package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "convindex/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the gateway policy. Zero values fall back to secure defaults.
type GatewayConfig struct {
	// Origin is required by default and only localhost is allowed by default.
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxBatchEvents int
}

// DefaultGatewayConfig returns the secure-by-default gateway policy.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		MaxBatchEvents:    maxBatchEvents,
	}
}

// WSGateway is the WebSocket entrypoint for indexing and snapshot delivery.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	metrics *GatewayMetrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil hub falls back to a fresh in-memory hub.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig, metrics *GatewayMetrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, nil, 0)
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = def.MaxBatchEvents
	}

	return &WSGateway{
		log:     log,
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,

		// websocket.Accept enforces its own origin policy; derive its patterns from the
		// allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID(time.Now().UTC())
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	g.metrics.sessionOpened()
	defer g.metrics.sessionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce  sync.Once
		subMu      sync.Mutex // shutdown may run on the writer goroutine
		subscribed *Project
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subMu.Lock()
			if subscribed != nil {
				subscribed.Unsubscribe(sessionID)
				subscribed = nil
			}
			subMu.Unlock()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}
		g.metrics.envelope(env.Type)

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeProjectSubscribe:
			p, err := g.onSubscribe(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
				continue readLoop
			}
			// One subscription per session: leave the old project before switching.
			subMu.Lock()
			if subscribed != nil && subscribed.ID != p.ID {
				subscribed.Unsubscribe(sessionID)
			}
			subscribed = p
			subMu.Unlock()

		case v1.TypeEventsPublish:
			if err := g.onPublish(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "publish_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMessagesFetch:
			if err := g.onMessagesFetch(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "messages_failed", err.Error())
				continue readLoop
			}

		case v1.TypeThreadEventFetch:
			if err := g.onThreadEventFetch(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "thread_event_failed", err.Error())
				continue readLoop
			}

		case v1.TypeProjectReset:
			if err := g.onReset(env); err != nil {
				g.trySendError(ctx, client, "reset_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client) error {
	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope) (*Project, error) {
	var p v1.ProjectPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	coord := strings.TrimSpace(p.Project)
	if coord == "" {
		return nil, errors.New("missing project")
	}

	proj, err := g.hub.GetOrCreateProject(coord)
	if err != nil {
		return nil, err
	}

	// Echo first: the client is not subscribed yet, so no broadcast can overtake it.
	echoPayload, _ := json.Marshal(v1.ProjectPayload{Project: proj.ID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeProjectSubscribe, echoPayload, time.Now().UTC())) {
		return nil, errors.New("backpressure: subscribe echo")
	}

	// Current state first; later snapshots arrive through Broadcast.
	if ctx.Err() != nil || !proj.Join(client) {
		return nil, errors.New("backpressure: initial snapshot")
	}
	return proj, nil
}

func (g *WSGateway) onPublish(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.EventsPublishPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	coord := strings.TrimSpace(p.Project)
	if coord == "" {
		return errors.New("missing project")
	}
	if len(p.Events) > g.cfg.MaxBatchEvents {
		return fmt.Errorf("batch too large: max=%d events", g.cfg.MaxBatchEvents)
	}

	proj, err := g.hub.GetOrCreateProject(coord)
	if err != nil {
		return err
	}
	st, broadcast := proj.Publish(p.Events)

	g.log.Debug("ws.publish",
		"session_id", client.SessionID,
		"project", coord,
		"events", len(p.Events),
		"broadcast", broadcast,
	)

	ackPayload, _ := json.Marshal(v1.EventsAckPayload{
		Project:  coord,
		Received: len(p.Events),
		Digest:   st.Digest,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeEventsAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: events_ack")
	}
	return nil
}

func (g *WSGateway) onMessagesFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	proj, threadID, err := g.threadTarget(env)
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(v1.MessagesChunkPayload{
		Project:  proj.ID,
		ThreadID: threadID,
		Messages: MessagesToWire(proj.Engine.Messages(threadID)),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessagesChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: messages_chunk")
	}
	return nil
}

func (g *WSGateway) onThreadEventFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	proj, threadID, err := g.threadTarget(env)
	if err != nil {
		return err
	}

	out := v1.ThreadEventPayload{Project: proj.ID, ThreadID: threadID}
	if ev, ok := proj.Engine.ThreadEvent(threadID); ok {
		out.Found = true
		out.Event = &ev
	}

	payload, _ := json.Marshal(out)
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeThreadEvent, payload, time.Now().UTC())) {
		return errors.New("backpressure: thread_event")
	}
	return nil
}

func (g *WSGateway) onReset(env v1.Envelope) error {
	var p v1.ProjectPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	proj, ok := g.hub.Project(strings.TrimSpace(p.Project))
	if !ok {
		return errors.New("unknown project")
	}
	proj.Reset()
	return nil
}

func (g *WSGateway) threadTarget(env v1.Envelope) (*Project, string, error) {
	var p v1.ThreadFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, "", fmt.Errorf("invalid payload: %w", err)
	}

	threadID := strings.TrimSpace(p.ThreadID)
	if threadID == "" {
		return nil, "", errors.New("missing thread_id")
	}
	proj, ok := g.hub.Project(strings.TrimSpace(p.Project))
	if !ok {
		return nil, "", errors.New("unknown project")
	}
	return proj, threadID, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.Offer(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
