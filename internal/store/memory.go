package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory implementation of UserStore, MessageStore, and
// GroupStore. It is the dev fallback when no database is configured and the
// backing store for unit tests. All methods return defensive copies.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*User
	groups   map[string]*Group
	messages map[string]*Message
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		groups:   make(map[string]*Group),
		messages: make(map[string]*Message),
	}
}

// PutUser seeds or replaces a user record.
func (s *Memory) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	cp.BlockedUsers = append([]string(nil), u.BlockedUsers...)
	s.users[u.ID] = &cp
}

// PutGroup seeds or replaces a group record.
func (s *Memory) PutGroup(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	cp.Members = append([]GroupMember(nil), g.Members...)
	s.groups[g.ID] = &cp
}

// Get returns the user or ErrNotFound.
func (s *Memory) Get(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.BlockedUsers = append([]string(nil), u.BlockedUsers...)
	return &cp, nil
}

// SetStatus persists the presence status and last-seen stamp.
func (s *Memory) SetStatus(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.LastSeen = lastSeen
	return nil
}

// Create persists a new message.
func (s *Memory) Create(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyMessage(m)
	s.messages[m.ID] = cp
	return nil
}

func (s *Memory) getMessageLocked(id string) (*Message, bool) {
	m, ok := s.messages[id]
	return m, ok
}

// Message returns the stored message or ErrNotFound.
func (s *Memory) Message(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.getMessageLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

// MarkDelivered appends a delivery receipt and advances sent -> delivered.
// A later status never regresses.
func (s *Memory) MarkDelivered(ctx context.Context, id, userID string, at time.Time) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.getMessageLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.DeliveredTo = append(m.DeliveredTo, DeliveryReceipt{UserID: userID, DeliveredAt: at})
	if statusRank(DeliveryDelivered) > statusRank(m.DeliveryStatus) {
		m.DeliveryStatus = DeliveryDelivered
	}
	return copyMessage(m), nil
}

// MarkRead appends a read receipt and advances the status to read.
// Calling it on an already-read message is a no-op success reported as
// advanced=false.
func (s *Memory) MarkRead(ctx context.Context, id, userID string, at time.Time) (*Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.getMessageLocked(id)
	if !ok {
		return nil, false, ErrNotFound
	}
	if m.DeliveryStatus == DeliveryRead {
		return copyMessage(m), false, nil
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	m.DeliveryStatus = DeliveryRead
	return copyMessage(m), true, nil
}

func (s *Memory) group(ctx context.Context, id string) (*Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	cp.Members = append([]GroupMember(nil), g.Members...)
	return &cp, nil
}

// IsMember reports whether userID belongs to groupID.
func (s *Memory) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	g, err := s.group(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.HasMember(userID), nil
}

// GroupsFor lists the IDs of every group userID belongs to.
func (s *Memory) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, g := range s.groups {
		if g.HasMember(userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	cp.DeliveredTo = append([]DeliveryReceipt(nil), m.DeliveredTo...)
	cp.DeletedFor = append([]string(nil), m.DeletedFor...)
	return &cp
}

// Interface adapters: Memory serves all three collaborator roles, but Go
// method sets cannot overload Get by entity, so the narrow views are exposed
// through small wrappers.

// Users returns the UserStore view of s.
func (s *Memory) Users() UserStore { return s }

// Messages returns the MessageStore view of s.
func (s *Memory) Messages() MessageStore { return memMessageStore{s} }

// Groups returns the GroupStore view of s.
func (s *Memory) Groups() GroupStore { return memGroupStore{s} }

type memMessageStore struct{ s *Memory }

func (v memMessageStore) Create(ctx context.Context, m *Message) error { return v.s.Create(ctx, m) }
func (v memMessageStore) Get(ctx context.Context, id string) (*Message, error) {
	return v.s.Message(ctx, id)
}
func (v memMessageStore) MarkDelivered(ctx context.Context, id, userID string, at time.Time) (*Message, error) {
	return v.s.MarkDelivered(ctx, id, userID, at)
}
func (v memMessageStore) MarkRead(ctx context.Context, id, userID string, at time.Time) (*Message, bool, error) {
	return v.s.MarkRead(ctx, id, userID, at)
}

type memGroupStore struct{ s *Memory }

func (v memGroupStore) Get(ctx context.Context, id string) (*Group, error) { return v.s.group(ctx, id) }
func (v memGroupStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	return v.s.IsMember(ctx, groupID, userID)
}
func (v memGroupStore) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	return v.s.GroupsFor(ctx, userID)
}
