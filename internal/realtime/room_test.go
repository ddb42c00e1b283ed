package realtime

import (
	"testing"

	v1 "courier/contracts/chat/v1"
)

func TestRoomBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	rs := NewRooms(testLogger())
	a := testClient(t, "a")
	b := testClient(t, "b")

	room := rs.Get("g1")
	room.Join(a)
	room.Join(b)

	room.Broadcast(v1.NewEnvelope(v1.TypeReceiveGroupMessage, map[string]string{"id": "m1"}), "a")

	if len(a.Send) != 0 {
		t.Fatalf("sender received its own fanout")
	}
	if len(b.Send) != 1 {
		t.Fatalf("member queue len = %d, want 1", len(b.Send))
	}
}

func TestRoomLeaveKeepsClientOpen(t *testing.T) {
	t.Parallel()

	rs := NewRooms(testLogger())
	a := testClient(t, "a")

	rs.Get("g1").Join(a)
	rs.Get("g2").Join(a)
	rs.Leave("g1", a.SessionID)

	select {
	case <-a.Done():
		t.Fatalf("leaving a room closed the client")
	default:
	}
	if got := rs.Get("g2").Size(); got != 1 {
		t.Fatalf("other room size = %d, want 1", got)
	}
}

func TestRoomsGetReturnsStableHandle(t *testing.T) {
	t.Parallel()

	rs := NewRooms(testLogger())
	if rs.Get("g1") != rs.Get("g1") {
		t.Fatalf("Get returned different handles for the same group")
	}
}

func TestRoomsLeaveAll(t *testing.T) {
	t.Parallel()

	rs := NewRooms(testLogger())
	a := testClient(t, "a")
	b := testClient(t, "b")

	rs.Get("g1").Join(a)
	rs.Get("g1").Join(b)
	rs.Get("g2").Join(a)

	rs.LeaveAll(a.SessionID)

	if got := rs.Get("g1").Size(); got != 1 {
		t.Fatalf("g1 size = %d, want 1", got)
	}
	// g2 became empty and was pruned; Get recreates it fresh.
	if got := rs.Get("g2").Size(); got != 0 {
		t.Fatalf("g2 size = %d, want 0", got)
	}
}
