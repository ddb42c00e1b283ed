package realtime

import (
	"log/slog"
	"sync"

	v1 "courier/contracts/chat/v1"
)

// Room is the transient routing table for one group: the live connections
// that should receive that group's fanout. It is rebuilt from the durable
// membership record on every fresh connection and updated by explicit
// join/leave signals; it is not the membership record itself.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client // keyed by session id
}

func newRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the room.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("room.join", "group_id", r.ID, "user_id", client.UserID, "session_id", client.SessionID)
}

// Leave removes a client from the room. Unlike a connection shutdown, leaving
// a room never closes the client; it may still belong to other rooms.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if ok {
		r.log.Debug("room.leave", "group_id", r.ID, "session_id", sessionID, "empty", empty)
	}
}

// Broadcast fans env out to every member except excludeUserID (the sender).
// Non-blocking: members with a full queue or a closing connection are dropped.
func (r *Room) Broadcast(env v1.Envelope, excludeUserID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil || m.UserID == excludeUserID {
			continue
		}
		m.TrySend(env)
	}
}

// Size reports the current member count.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Rooms owns the room table and provides stable room handles.
type Rooms struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRooms constructs an empty room table.
func NewRooms(log *slog.Logger) *Rooms {
	return &Rooms{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Get returns a stable handle for groupID, creating the room if needed.
func (rs *Rooms) Get(groupID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r, ok := rs.rooms[groupID]; ok {
		return r
	}
	r := newRoom(rs.log, groupID)
	rs.rooms[groupID] = r
	return r
}

// Leave removes sessionID from groupID's room and prunes the room when empty.
func (rs *Rooms) Leave(groupID, sessionID string) {
	rs.mu.Lock()
	r, ok := rs.rooms[groupID]
	rs.mu.Unlock()
	if !ok {
		return
	}

	r.Leave(sessionID)

	rs.mu.Lock()
	if r.Size() == 0 {
		delete(rs.rooms, groupID)
	}
	rs.mu.Unlock()
}

// LeaveAll removes sessionID from every room; used on disconnect.
func (rs *Rooms) LeaveAll(sessionID string) {
	rs.mu.Lock()
	handles := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		handles = append(handles, r)
	}
	rs.mu.Unlock()

	for _, r := range handles {
		r.Leave(sessionID)
	}

	rs.mu.Lock()
	for id, r := range rs.rooms {
		if r.Size() == 0 {
			delete(rs.rooms, id)
		}
	}
	rs.mu.Unlock()
}
