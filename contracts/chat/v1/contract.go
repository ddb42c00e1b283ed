// Package v1 defines the Courier chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client -> server event types (wire-stable).
const (
	// TypeSendMessage requests delivery of a direct message.
	TypeSendMessage = "send_message"
	// TypeSendGroupMessage requests fanout of a message to a group.
	TypeSendGroupMessage = "send_group_message"
	// TypeTypingStart / TypeTypingStop relay an ephemeral typing signal.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	// TypeMessageRead acknowledges that the client has read a message.
	TypeMessageRead = "message_read"
	// TypeChangeStatus sets the user-chosen presence status.
	TypeChangeStatus = "change_status"
	// TypeJoinGroup / TypeLeaveGroup update the live group routing table.
	TypeJoinGroup  = "join_group"
	TypeLeaveGroup = "leave_group"
	// TypeGetOfflineMessages requests a destructive drain of the caller's mailbox.
	TypeGetOfflineMessages = "get_offline_messages"
)

// Server -> client event types (wire-stable).
const (
	// TypeMessageSent acknowledges a send to its sender with the persisted message.
	TypeMessageSent = "message_sent"
	// TypeReceiveMessage / TypeReceiveGroupMessage carry a pushed message.
	TypeReceiveMessage      = "receive_message"
	TypeReceiveGroupMessage = "receive_group_message"
	// TypeMessageDelivered is the delivery receipt sent back to the sender.
	TypeMessageDelivered = "message_delivered"
	// TypeMessageReadReceipt is the read receipt sent back to the sender.
	TypeMessageReadReceipt = "message_read_receipt"
	// TypeUserTyping / TypeUserStopTyping relay a peer's typing state.
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"
	// TypeUserOnline / TypeUserOffline / TypeUserStatusChanged are presence broadcasts.
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeUserStatusChanged = "user_status_changed"
	// TypeOfflineMessages carries the drained mailbox, oldest event first.
	TypeOfflineMessages = "offline_messages"
	// TypeMessageBlocked / TypeMessageError report a failed send to its sender.
	TypeMessageBlocked = "message_blocked"
	TypeMessageError   = "message_error"
)

var clientTypes = map[string]struct{}{
	TypeSendMessage:        {},
	TypeSendGroupMessage:   {},
	TypeTypingStart:        {},
	TypeTypingStop:         {},
	TypeMessageRead:        {},
	TypeChangeStatus:       {},
	TypeJoinGroup:          {},
	TypeLeaveGroup:         {},
	TypeGetOfflineMessages: {},
}

var serverTypes = map[string]struct{}{
	TypeMessageSent:         {},
	TypeReceiveMessage:      {},
	TypeReceiveGroupMessage: {},
	TypeMessageDelivered:    {},
	TypeMessageReadReceipt:  {},
	TypeUserTyping:          {},
	TypeUserStopTyping:      {},
	TypeUserOnline:          {},
	TypeUserOffline:         {},
	TypeUserStatusChanged:   {},
	TypeOfflineMessages:     {},
	TypeMessageBlocked:      {},
	TypeMessageError:        {},
}

// Envelope is the canonical wire wrapper: a string event type plus a typed payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it. It panics only on programmer error
// (unmarshalable payload types), which tests catch immediately.
func NewEnvelope(typ string, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: typ}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("contracts: marshal %s payload: %v", typ, err))
	}
	return Envelope{Type: typ, Payload: b}
}

// ValidateInbound performs strict structural validation for a client -> server envelope.
func (e Envelope) ValidateInbound() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := clientTypes[e.Type]; !ok {
		if _, server := serverTypes[e.Type]; server {
			return fmt.Errorf("server-only type: %q", e.Type)
		}
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	// get_offline_messages is the only payload-less client event.
	if e.Type != TypeGetOfflineMessages && len(e.Payload) == 0 {
		return fmt.Errorf("missing payload for type: %q", e.Type)
	}
	return nil
}

// ---- Client -> server payloads ----

// SendMessagePayload requests a direct message send.
type SendMessagePayload struct {
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
}

// SendGroupMessagePayload requests a group message send.
type SendGroupMessagePayload struct {
	GroupID     string `json:"groupId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
}

// TypingPayload identifies the target of a typing signal.
type TypingPayload struct {
	TargetID string `json:"targetId"`
	IsGroup  bool   `json:"isGroup,omitempty"`
}

// MessageReadPayload acknowledges a read message.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// ChangeStatusPayload carries the user-chosen status.
type ChangeStatusPayload struct {
	Status string `json:"status"`
}

// GroupPayload identifies a group for join/leave signals.
type GroupPayload struct {
	GroupID string `json:"groupId"`
}

// ---- Server -> client payloads ----
//
// message_sent / receive_message / receive_group_message carry the fully
// populated persisted message; its shape is owned by the server's message
// model and is not duplicated here.

// DeliveredPayload is the delivery receipt.
type DeliveredPayload struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ReadReceiptPayload is the read receipt.
type ReadReceiptPayload struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingEventPayload relays who is typing and where.
type TypingEventPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

// PresencePayload is broadcast on connect, disconnect, and status change.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// OfflineMessagesPayload is the drained mailbox, oldest event first.
type OfflineMessagesPayload struct {
	Messages []json.RawMessage `json:"messages"`
}

// ErrorPayload reports a failed operation to the originating connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
