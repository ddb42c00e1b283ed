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
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "courier/contracts/chat/v1"
	"courier/internal/store"

	"github.com/coder/websocket"
)

const (
	// The browser WebSocket API cannot set an Authorization header, so clients
	// may smuggle the token through the subprotocol list as "bearer,<token>".
	wsSubprotocolBearer = "bearer"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Authenticator resolves a bearer credential to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*store.User, error)
}

// WSGateway is the WebSocket entrypoint for Courier chat.
//
// It enforces origin policy and authentication before the upgrade, then runs
// the per-connection loop: rate limits, heartbeats, envelope validation, and
// dispatch into the delivery engine.
type WSGateway struct {
	log    *slog.Logger
	engine *Engine
	auth   Authenticator

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, engine *Engine, auth Authenticator) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if engine == nil {
		return nil, errors.New("realtime: nil engine")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}

	g := &WSGateway{log: log, engine: engine, auth: auth}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("COURIER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COURIER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COURIER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COURIER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COURIER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COURIER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COURIER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COURIER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COURIER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COURIER_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the request, upgrades it to a WebSocket session, and
// runs the chat loop until the peer disconnects.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authenticate BEFORE the upgrade so a bad credential costs one HTTP 401,
	// not a socket.
	user, err := g.auth.Authenticate(r.Context(), bearerCredential(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolBearer},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	client := NewClient(user.ID, user.Name, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Room and presence removal happen inside Disconnect before client.Close,
	// so broadcasters never race a closing channel.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.engine.Disconnect(context.Background(), client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// The registry signals Done without going through shutdown only
				// when a newer connection for the same user took over.
				shutdown(websocket.StatusPolicyViolation, "superseded by newer connection")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
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

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
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

	g.engine.Connect(ctx, client)
	g.log.Info("ws.connect", "session_id", sessionID, "user_id", user.ID)

	// Targets with an unmatched typing_start. Owned by the read loop and
	// flushed as typing_stop on exit so peers never see a typing indicator
	// outlive its connection.
	typingTargets := make(map[string]v1.TypingPayload)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
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
				g.sendError(client, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.ValidateInbound(); err != nil {
			g.sendError(client, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSendMessage:
			g.onSendMessage(ctx, client, env)

		case v1.TypeSendGroupMessage:
			g.onSendGroupMessage(ctx, client, env)

		case v1.TypeTypingStart, v1.TypeTypingStop:
			g.onTyping(client, env, typingTargets)

		case v1.TypeMessageRead:
			g.onMessageRead(ctx, client, env)

		case v1.TypeChangeStatus:
			g.onChangeStatus(ctx, client, env)

		case v1.TypeJoinGroup, v1.TypeLeaveGroup:
			g.onGroupRouting(ctx, client, env)

		case v1.TypeGetOfflineMessages:
			// The mailbox is drained only on this explicit request, never on
			// connect. The drain is destructive, so an unsolicited push can
			// lose events when the client is not ready for them.
			if err := g.engine.DrainOffline(ctx, client); err != nil {
				g.log.Warn("ws.offline.drain.fail", "session_id", sessionID, "err", err)
				g.sendError(client, "failed to fetch offline messages")
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	for _, p := range typingTargets {
		g.engine.Typing(client, p, false)
	}

	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "session_id", sessionID, "user_id", user.ID)
}

// ---- handlers ----

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	msg, err := g.engine.SendDirect(ctx, client, p)
	if err != nil {
		g.sendOpError(client, "failed to send message", err)
		return
	}
	client.TrySend(v1.NewEnvelope(v1.TypeMessageSent, msg))
}

func (g *WSGateway) onSendGroupMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendGroupMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	msg, err := g.engine.SendGroup(ctx, client, p)
	if err != nil {
		g.sendOpError(client, "failed to send group message", err)
		return
	}
	client.TrySend(v1.NewEnvelope(v1.TypeMessageSent, msg))
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope, targets map[string]v1.TypingPayload) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	active := env.Type == v1.TypeTypingStart
	if active {
		targets[p.TargetID] = p
	} else {
		delete(targets, p.TargetID)
	}
	g.engine.Typing(client, p, active)
}

func (g *WSGateway) onMessageRead(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	if err := g.engine.MarkRead(ctx, client, p.MessageID); err != nil {
		g.sendOpError(client, "failed to mark message read", err)
	}
}

func (g *WSGateway) onChangeStatus(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ChangeStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	if err := g.engine.ChangeStatus(ctx, client, store.Status(p.Status)); err != nil {
		g.sendOpError(client, "failed to change status", err)
	}
}

func (g *WSGateway) onGroupRouting(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.GroupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, "invalid payload")
		return
	}

	if env.Type == v1.TypeLeaveGroup {
		g.engine.LeaveGroup(client, p.GroupID)
		return
	}
	if err := g.engine.JoinGroup(ctx, client, p.GroupID); err != nil {
		g.sendOpError(client, "failed to join group", err)
	}
}

// ---- send helpers ----

// sendOpError maps an engine error onto the wire. Block rejections get their
// own event type; persistence failures are reported without internals.
func (g *WSGateway) sendOpError(client *Client, fallback string, err error) {
	switch {
	case errors.Is(err, ErrBlocked):
		client.TrySend(v1.NewEnvelope(v1.TypeMessageBlocked, v1.ErrorPayload{Message: "You are blocked by this user"}))
	case errors.Is(err, ErrPersistence):
		g.log.Error("ws.op.fail", "session_id", client.SessionID, "err", err)
		g.sendError(client, fallback)
	default:
		g.sendError(client, err.Error())
	}
}

func (g *WSGateway) sendError(client *Client, msg string) {
	client.TrySend(v1.NewEnvelope(v1.TypeMessageError, v1.ErrorPayload{Message: msg}))
}

// ---- credentials ----

// bearerCredential extracts the token from, in order: the subprotocol list
// ("bearer,<token>"), the Authorization header, the "token" query parameter.
func bearerCredential(r *http.Request) string {
	for _, raw := range r.Header.Values("Sec-WebSocket-Protocol") {
		parts := strings.Split(raw, ",")
		for i := 0; i < len(parts)-1; i++ {
			if strings.TrimSpace(parts[i]) == wsSubprotocolBearer {
				return strings.TrimSpace(parts[i+1])
			}
		}
	}

	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
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

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
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
	// We keep this strict: only hosts extracted from allowlist are accepted.
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

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
