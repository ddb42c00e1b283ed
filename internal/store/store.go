// Package store defines the persistence collaborators consumed by the
// delivery engine: users, messages, and group membership. The engine only
// needs the narrow interfaces below; CRUD surfaces live elsewhere.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested user, group, or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Status is a user-chosen presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ValidStatus reports whether s is one of the wire-stable status values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo:
		return true
	}
	return false
}

// DeliveryStatus is the per-message delivery state. Transitions are monotone:
// sent -> delivered -> read, never backwards.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

func statusRank(s DeliveryStatus) int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return -1
}

// User is the identity record consulted for authentication, block checks,
// and presence persistence.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Avatar       string    `json:"avatar,omitempty"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	BlockedUsers []string  `json:"blockedUsers,omitempty"`
	IsActive     bool      `json:"isActive"`
}

// HasBlocked reports whether u has blocked userID.
func (u *User) HasBlocked(userID string) bool {
	for _, b := range u.BlockedUsers {
		if b == userID {
			return true
		}
	}
	return false
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// GroupMember ties a user to a group with a role.
type GroupMember struct {
	UserID string    `json:"userId"`
	Role   GroupRole `json:"role"`
}

// Group is the durable membership record. The engine reads it to resolve
// fanout targets and authorize group sends; it never mutates it.
type Group struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Members []GroupMember `json:"members"`
}

// MemberIDs returns the user IDs of all members.
func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// HasMember reports whether userID is a current member of g.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// ReadReceipt records that a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// DeliveryReceipt records that a message reached a user's live connection.
type DeliveryReceipt struct {
	UserID      string    `json:"userId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// Message is the persisted message record. Exactly one of ReceiverID and
// GroupID is set. Content is never mutated after creation; only delivery
// state, receipts, and deletion markers change.
type Message struct {
	ID             string            `json:"id"`
	SenderID       string            `json:"senderId"`
	ReceiverID     string            `json:"receiverId,omitempty"`
	GroupID        string            `json:"groupId,omitempty"`
	Content        string            `json:"content"`
	MessageType    MessageType       `json:"messageType"`
	FileURL        string            `json:"fileUrl,omitempty"`
	FileName       string            `json:"fileName,omitempty"`
	FileSize       int64             `json:"fileSize,omitempty"`
	DeliveryStatus DeliveryStatus    `json:"deliveryStatus"`
	ReadBy         []ReadReceipt     `json:"readBy"`
	DeliveredTo    []DeliveryReceipt `json:"deliveredTo"`
	IsDeleted      bool              `json:"isDeleted"`
	DeletedFor     []string          `json:"deletedFor,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// UserStore is the user collaborator surface the engine depends on.
type UserStore interface {
	// Get returns the user or ErrNotFound.
	Get(ctx context.Context, id string) (*User, error)
	// SetStatus persists the presence status and last-seen stamp.
	SetStatus(ctx context.Context, id string, status Status, lastSeen time.Time) error
}

// MessageStore persists messages and advances their delivery state.
//
// MarkDelivered and MarkRead must keep DeliveryStatus monotone under any
// interleaving: a duplicate transition re-records the receipt but never moves
// the status backwards. MarkRead additionally reports whether the call
// advanced state, so callers can suppress repeat receipts for a message that
// was already read.
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	MarkDelivered(ctx context.Context, id, userID string, at time.Time) (*Message, error)
	MarkRead(ctx context.Context, id, userID string, at time.Time) (*Message, bool, error)
}

// GroupStore is the read-only membership collaborator.
type GroupStore interface {
	Get(ctx context.Context, id string) (*Group, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	// GroupsFor lists the IDs of every group userID belongs to. Used to
	// rebuild the live routing table on a fresh connection.
	GroupsFor(ctx context.Context, userID string) ([]string, error)
}
