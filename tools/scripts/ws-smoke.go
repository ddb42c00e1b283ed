// Package main provides a CI-friendly WebSocket smoke test for the Courier
// chat server.
//
// It validates, end to end against a running server:
//   - handshake + bearer subprotocol authentication
//   - presence broadcast (user_online) between two clients
//   - send_message -> message_sent ack + receive_message push
//   - message_delivered receipt back to the sender
//   - message_read -> message_read_receipt
//   - typing_start -> user_typing
//
// Both users must already exist in the server's store. Tokens can be passed
// directly, or minted locally from the shared signing secret.
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

	v1 "courier/contracts/chat/v1"
	"courier/internal/auth"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-a", "First user id")
		userB   = flag.String("user-b", "smoke-b", "Second user id")
		tokenA  = flag.String("token-a", "", "Bearer token for user A (minted from -secret when empty)")
		tokenB  = flag.String("token-b", "", "Bearer token for user B (minted from -secret when empty)")
		secret  = flag.String("secret", os.Getenv("COURIER_TOKEN_SECRET"), "Token signing secret, used to mint tokens when none are given")
		text    = flag.String("text", "hello courier", "Message text to send")
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

	tokA, tokB := mustTokens(*secret, *userA, *userB, *tokenA, *tokenB)

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	// A was online first, so it must observe B coming online.
	online := a.mustReadUntilType(root, v1.TypeUserOnline, *timeout, nil)
	var pp v1.PresencePayload
	mustUnmarshal(online.Payload, &pp, "user_online")
	if pp.UserID != b.userID {
		fatalf("user_online for %q, want %q", pp.UserID, b.userID)
	}

	// Direct send: ack to A, push to B, delivery receipt back to A.
	mustWrite(root, a.conn, v1.NewEnvelope(v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID: b.userID,
		Content:    *text,
	}), *timeout)

	sent := a.mustReadUntilType(root, v1.TypeMessageSent, *timeout, nil)
	var sentMsg struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	mustUnmarshal(sent.Payload, &sentMsg, "message_sent")
	if sentMsg.ID == "" || sentMsg.Content != *text {
		fatalf("message_sent payload mismatch: %+v", sentMsg)
	}

	push := b.mustReadUntilType(root, v1.TypeReceiveMessage, *timeout, nil)
	var gotMsg struct {
		ID       string `json:"id"`
		SenderID string `json:"senderId"`
		Content  string `json:"content"`
	}
	mustUnmarshal(push.Payload, &gotMsg, "receive_message")
	if gotMsg.ID != sentMsg.ID || gotMsg.SenderID != a.userID || gotMsg.Content != *text {
		fatalf("receive_message mismatch: %+v", gotMsg)
	}

	delivered := a.mustReadUntilType(root, v1.TypeMessageDelivered, *timeout, nil)
	var dp v1.DeliveredPayload
	mustUnmarshal(delivered.Payload, &dp, "message_delivered")
	if dp.MessageID != sentMsg.ID {
		fatalf("message_delivered for %q, want %q", dp.MessageID, sentMsg.ID)
	}

	// Read receipt round trip.
	mustWrite(root, b.conn, v1.NewEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
		MessageID: sentMsg.ID,
		SenderID:  a.userID,
	}), *timeout)

	receipt := a.mustReadUntilType(root, v1.TypeMessageReadReceipt, *timeout, nil)
	var rp v1.ReadReceiptPayload
	mustUnmarshal(receipt.Payload, &rp, "message_read_receipt")
	if rp.MessageID != sentMsg.ID || rp.ReadBy != b.userID {
		fatalf("read receipt mismatch: %+v", rp)
	}

	// Typing signal.
	mustWrite(root, b.conn, v1.NewEnvelope(v1.TypeTypingStart, v1.TypingPayload{
		TargetID: a.userID,
	}), *timeout)

	typing := a.mustReadUntilType(root, v1.TypeUserTyping, *timeout, nil)
	var tp v1.TypingEventPayload
	mustUnmarshal(typing.Payload, &tp, "user_typing")
	if tp.UserID != b.userID {
		fatalf("user_typing from %q, want %q", tp.UserID, b.userID)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.userID, b.userID, sentMsg.ID)
}

func mustTokens(secret, userA, userB, tokenA, tokenB string) (string, string) {
	if tokenA != "" && tokenB != "" {
		return tokenA, tokenB
	}
	if strings.TrimSpace(secret) == "" {
		fatalf("need either -token-a/-token-b or -secret to mint tokens")
	}

	v, err := auth.NewVerifier(secret, time.Hour)
	if err != nil {
		fatalf("verifier: %v", err)
	}
	if tokenA == "" {
		if tokenA, err = v.Issue(userA); err != nil {
			fatalf("issue token for %s: %v", userA, err)
		}
	}
	if tokenB == "" {
		if tokenB, err = v.Issue(userB); err != nil {
			fatalf("issue token for %s: %v", userB, err)
		}
	}
	return tokenA, tokenB
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

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		// Browser-style credential smuggling: "bearer" plus the token as a
		// second offered subprotocol.
		Subprotocols: []string{"bearer", token},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
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
			if env.Type == v1.TypeMessageError || env.Type == v1.TypeMessageBlocked {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): type=%q msg=%q", c.name, env.Type, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			// Presence and typing chatter from the other client is expected
			// noise while waiting; everything else is a protocol surprise.
			switch env.Type {
			case v1.TypeUserOnline, v1.TypeUserOffline, v1.TypeUserStatusChanged,
				v1.TypeUserTyping, v1.TypeUserStopTyping, v1.TypeOfflineMessages:
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
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

func mustUnmarshal(data json.RawMessage, v any, what string) {
	if err := json.Unmarshal(data, v); err != nil {
		fatalf("unmarshal %s payload: %v", what, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
