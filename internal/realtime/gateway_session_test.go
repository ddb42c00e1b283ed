package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "courier/contracts/chat/v1"
	"courier/internal/store"

	"github.com/coder/websocket"
)

// idTokenAuth treats the credential itself as the user ID. It keeps the
// session tests focused on the socket lifecycle rather than token parsing.
type idTokenAuth struct {
	users store.UserStore
}

func (a idTokenAuth) Authenticate(ctx context.Context, credential string) (*store.User, error) {
	if credential == "" {
		return nil, errors.New("missing credential")
	}
	return a.users.Get(ctx, credential)
}

type gatewayFixture struct {
	*engineFixture
	srv *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	ef := newEngineFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := NewWSGateway(log, ef.engine, idTokenAuth{users: ef.store.Users()})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &gatewayFixture{engineFixture: ef, srv: srv}
}

func (f *gatewayFixture) dial(t *testing.T, ctx context.Context, userID string) *websocket.Conn {
	t.Helper()

	hdr := http.Header{}
	hdr.Set("Origin", "http://127.0.0.1")

	conn, resp, err := websocket.Dial(ctx, f.srv.URL+"?token="+userID, &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

// awaitSession polls the presence registry until userID has a live session
// other than notSession. Pass "" to wait for any session.
func (f *gatewayFixture) awaitSession(t *testing.T, userID, notSession string) *Client {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := f.presence.Lookup(userID); c != nil && c.SessionID != notSession {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no live session for %s", userID)
	return nil
}

func writeWire(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(v1.NewEnvelope(typ, payload))
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readWireUntil reads frames until one of type typ arrives, skipping presence
// and other chatter. The ctx deadline bounds the wait.
func readWireUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func TestGatewayDrainsMailboxOnlyOnRequest(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	f.addUser("bob", "Bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queued, err := json.Marshal(v1.NewEnvelope(v1.TypeReceiveMessage, map[string]string{"id": "m1"}))
	if err != nil {
		t.Fatalf("marshal queued event: %v", err)
	}
	if err := f.mailbox.Enqueue(ctx, "bob", queued); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	conn := f.dial(t, ctx, "bob")
	defer conn.Close(websocket.StatusNormalClosure, "")
	f.awaitSession(t, "bob", "")

	// Connecting must leave the mailbox untouched. The drain is destructive,
	// so a push the client never asked for can lose events when the
	// transport drops before the client is ready.
	if n, err := f.mailbox.Len(ctx, "bob"); err != nil || n != 1 {
		t.Fatalf("mailbox after connect: len=%d err=%v, want 1 queued event", n, err)
	}

	writeWire(t, ctx, conn, v1.TypeGetOfflineMessages, nil)

	env := readWireUntil(t, ctx, conn, v1.TypeOfflineMessages)
	var p v1.OfflineMessagesPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode offline payload: %v", err)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("drained %d events, want 1", len(p.Messages))
	}
	if n, _ := f.mailbox.Len(ctx, "bob"); n != 0 {
		t.Fatalf("mailbox not cleared after drain, len=%d", n)
	}
}

func TestGatewayForceClosesSupersededConnection(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	f.addUser("bob", "Bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := f.dial(t, ctx, "bob")
	defer first.Close(websocket.StatusNormalClosure, "")
	old := f.awaitSession(t, "bob", "")

	second := f.dial(t, ctx, "bob")
	defer second.Close(websocket.StatusNormalClosure, "")
	f.awaitSession(t, "bob", old.SessionID)

	// The first transport must be closed by the server, not left half-alive
	// with a read loop still dispatching events.
	for {
		_, _, err := first.Read(ctx)
		if err == nil {
			continue // frames queued before the takeover
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
			t.Fatalf("close status = %v, want %v (err: %v)", got, websocket.StatusPolicyViolation, err)
		}
		break
	}
}

func TestGatewayFlushesTypingOnDisconnect(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	f.addUser("alice", "Alice")
	f.addUser("bob", "Bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bob := f.connect(t, "bob", "Bob")
	flush(bob)

	aliceConn := f.dial(t, ctx, "alice")
	f.awaitSession(t, "alice", "")

	waitForType := func(typ string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			select {
			case env := <-bob.Send:
				if env.Type == typ {
					return
				}
			case <-time.After(5 * time.Millisecond):
			}
		}
		t.Fatalf("no %q pushed to peer", typ)
	}

	writeWire(t, ctx, aliceConn, v1.TypeTypingStart, v1.TypingPayload{TargetID: "bob"})
	waitForType(v1.TypeUserTyping)

	// Dropping the connection with the indicator still active must emit the
	// matching stop signal so it never outlives the session.
	_ = aliceConn.Close(websocket.StatusNormalClosure, "")
	waitForType(v1.TypeUserStopTyping)
}
