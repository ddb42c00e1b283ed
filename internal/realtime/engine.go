package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "courier/contracts/chat/v1"
	"courier/internal/queue"
	"courier/internal/store"
)

// Engine drives the per-message delivery state machine: it persists outbound
// messages, resolves recipients through the presence registry or group rooms,
// emits delivery/read receipts, and falls back to the offline mailbox when a
// recipient has no live connection.
//
// Every method is invoked from a single connection's read loop, so events for
// a fixed (sender, recipient) pair or a fixed group are processed in send
// order; concurrency exists only across different connections.
type Engine struct {
	log      *slog.Logger
	users    store.UserStore
	messages store.MessageStore
	groups   store.GroupStore
	mailbox  queue.Mailbox
	presence *Presence
	rooms    *Rooms
	metrics  *Metrics

	now func() time.Time
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Users    store.UserStore
	Messages store.MessageStore
	Groups   store.GroupStore
	Mailbox  queue.Mailbox
	Presence *Presence
	Rooms    *Rooms
	Metrics  *Metrics
}

// NewEngine constructs an Engine. All dependencies are required.
func NewEngine(log *slog.Logger, d EngineDeps) (*Engine, error) {
	switch {
	case log == nil:
		return nil, errors.New("realtime: nil logger")
	case d.Users == nil || d.Messages == nil || d.Groups == nil:
		return nil, errors.New("realtime: nil store dependency")
	case d.Mailbox == nil:
		return nil, errors.New("realtime: nil mailbox")
	case d.Presence == nil || d.Rooms == nil:
		return nil, errors.New("realtime: nil presence or rooms")
	case d.Metrics == nil:
		return nil, errors.New("realtime: nil metrics")
	}
	return &Engine{
		log:      log,
		users:    d.Users,
		messages: d.Messages,
		groups:   d.Groups,
		mailbox:  d.Mailbox,
		presence: d.Presence,
		rooms:    d.Rooms,
		metrics:  d.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Connect registers client as its user's live connection, persists the online
// status, announces presence, and subscribes the connection to its group
// rooms. A superseded connection from a duplicate login is force-closed.
func (e *Engine) Connect(ctx context.Context, client *Client) {
	if superseded := e.presence.Register(client); superseded != nil {
		e.log.Info("connect.supersede",
			"user_id", client.UserID,
			"old_session", superseded.SessionID,
			"new_session", client.SessionID,
		)
		superseded.Close()
	}
	e.metrics.Connections.Inc()

	if err := e.users.SetStatus(ctx, client.UserID, store.StatusOnline, e.now()); err != nil {
		e.log.Warn("connect.status.persist.fail", "user_id", client.UserID, "err", err)
	}

	e.presence.BroadcastExcept(client.UserID, v1.NewEnvelope(v1.TypeUserOnline, onlinePayload(client.UserID)))

	groupIDs, err := e.groups.GroupsFor(ctx, client.UserID)
	if err != nil {
		e.log.Warn("connect.rooms.resolve.fail", "user_id", client.UserID, "err", err)
		return
	}
	for _, id := range groupIDs {
		e.rooms.Get(id).Join(client)
	}
}

// Disconnect tears down the connection's routing state. Presence is removed
// only when this session still owns the registry entry, so a superseded
// connection's cleanup cannot knock its successor offline.
func (e *Engine) Disconnect(ctx context.Context, client *Client) {
	e.rooms.LeaveAll(client.SessionID)

	if e.presence.Unregister(client.UserID, client.SessionID) {
		now := e.now()
		if err := e.users.SetStatus(ctx, client.UserID, store.StatusOffline, now); err != nil {
			e.log.Warn("disconnect.status.persist.fail", "user_id", client.UserID, "err", err)
		}
		e.presence.BroadcastExcept(client.UserID, v1.NewEnvelope(v1.TypeUserOffline, offlinePayload(client.UserID, now)))
	}

	e.metrics.Connections.Dec()
	client.Close()
}

// SendDirect implements the direct-message send: block check, persist with
// status "sent", live push + delivered transition + delivery receipt when the
// recipient is online, offline enqueue otherwise. The returned message is the
// sender's acknowledgment regardless of recipient presence.
func (e *Engine) SendDirect(ctx context.Context, sender *Client, p v1.SendMessagePayload) (*store.Message, error) {
	if strings.TrimSpace(p.ReceiverID) == "" {
		return nil, fmt.Errorf("%w: missing receiverId", ErrInvalidInput)
	}
	mt, err := messageTypeFor(p.Content, p.FileURL, p.MessageType)
	if err != nil {
		return nil, err
	}

	receiver, err := e.users.Get(ctx, p.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, p.ReceiverID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if receiver.HasBlocked(sender.UserID) {
		e.metrics.Messages.WithLabelValues("direct", outcomeBlocked).Inc()
		return nil, ErrBlocked
	}

	msg, err := e.persistMessage(ctx, sender.UserID, p.ReceiverID, "", p.Content, mt, p.FileURL, p.FileName, p.FileSize)
	if err != nil {
		e.metrics.Messages.WithLabelValues("direct", outcomeFailed).Inc()
		return nil, err
	}

	target := e.presence.Lookup(receiver.ID)
	if target != nil && target.TrySend(v1.NewEnvelope(v1.TypeReceiveMessage, msg)) {
		at := e.now()
		updated, err := e.messages.MarkDelivered(ctx, msg.ID, receiver.ID, at)
		if err != nil {
			// The push already happened; a failed status write must not
			// abort the send. The receipt list heals on the next read.
			e.log.Warn("send.delivered.persist.fail", "message_id", msg.ID, "err", err)
		} else {
			msg = updated
		}
		sender.TrySend(v1.NewEnvelope(v1.TypeMessageDelivered, v1.DeliveredPayload{MessageID: msg.ID, DeliveredAt: at}))
		e.metrics.Messages.WithLabelValues("direct", outcomeDelivered).Inc()
		return msg, nil
	}

	// No live connection (or its queue is saturated): degrade to the mailbox.
	e.enqueueOffline(ctx, receiver.ID, v1.NewEnvelope(v1.TypeReceiveMessage, msg))
	e.metrics.Messages.WithLabelValues("direct", outcomeQueued).Inc()
	return msg, nil
}

// SendGroup implements the group send: membership check, persist, room
// fanout excluding the sender. Absent members get nothing queued; they catch
// up through history, not the mailbox.
func (e *Engine) SendGroup(ctx context.Context, sender *Client, p v1.SendGroupMessagePayload) (*store.Message, error) {
	if strings.TrimSpace(p.GroupID) == "" {
		return nil, fmt.Errorf("%w: missing groupId", ErrInvalidInput)
	}
	mt, err := messageTypeFor(p.Content, p.FileURL, p.MessageType)
	if err != nil {
		return nil, err
	}

	g, err := e.groups.Get(ctx, p.GroupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, p.GroupID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if !g.HasMember(sender.UserID) {
		e.metrics.Messages.WithLabelValues("group", outcomeRejected).Inc()
		return nil, fmt.Errorf("%w: not a member of group %s", ErrNotAuthorized, p.GroupID)
	}

	msg, err := e.persistMessage(ctx, sender.UserID, "", p.GroupID, p.Content, mt, p.FileURL, p.FileName, p.FileSize)
	if err != nil {
		e.metrics.Messages.WithLabelValues("group", outcomeFailed).Inc()
		return nil, err
	}

	e.rooms.Get(g.ID).Broadcast(v1.NewEnvelope(v1.TypeReceiveGroupMessage, msg), sender.UserID)
	e.metrics.Messages.WithLabelValues("group", outcomeFanout).Inc()
	return msg, nil
}

// MarkRead advances the message to "read" and notifies the sender when it is
// online. Re-reading an already-read message succeeds without effect and
// without a repeat receipt.
func (e *Engine) MarkRead(ctx context.Context, reader *Client, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: missing messageId", ErrInvalidInput)
	}

	at := e.now()
	m, advanced, err := e.messages.MarkRead(ctx, messageID, reader.UserID, at)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !advanced {
		return nil
	}

	if sender := e.presence.Lookup(m.SenderID); sender != nil {
		sender.TrySend(v1.NewEnvelope(v1.TypeMessageReadReceipt, v1.ReadReceiptPayload{
			MessageID: m.ID,
			ReadBy:    reader.UserID,
			ReadAt:    at,
		}))
	}
	return nil
}

// Typing relays a typing signal. Purely ephemeral: no persistence, no
// delivery tracking, at-most-once push.
func (e *Engine) Typing(from *Client, p v1.TypingPayload, active bool) {
	if strings.TrimSpace(p.TargetID) == "" {
		return
	}

	typ := v1.TypeUserStopTyping
	payload := v1.TypingEventPayload{UserID: from.UserID}
	if active {
		typ = v1.TypeUserTyping
		payload.UserName = from.UserName
	}

	if p.IsGroup {
		payload.GroupID = p.TargetID
		e.rooms.Get(p.TargetID).Broadcast(v1.NewEnvelope(typ, payload), from.UserID)
	} else if target := e.presence.Lookup(p.TargetID); target != nil {
		target.TrySend(v1.NewEnvelope(typ, payload))
	}
	e.metrics.TypingEvents.Inc()
}

// ChangeStatus persists the user-chosen status and broadcasts the change to
// every other connected user.
func (e *Engine) ChangeStatus(ctx context.Context, client *Client, status store.Status) error {
	if !store.ValidStatus(status) {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}

	if err := e.users.SetStatus(ctx, client.UserID, status, e.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, client.UserID)
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.presence.SetStatus(client.UserID, status)

	e.presence.BroadcastExcept(client.UserID, v1.NewEnvelope(v1.TypeUserStatusChanged, v1.PresencePayload{
		UserID: client.UserID,
		Status: string(status),
	}))
	return nil
}

// JoinGroup subscribes the connection to a group room after re-checking the
// durable membership record.
func (e *Engine) JoinGroup(ctx context.Context, client *Client, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return fmt.Errorf("%w: missing groupId", ErrInvalidInput)
	}

	ok, err := e.groups.IsMember(ctx, groupID, client.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of group %s", ErrNotAuthorized, groupID)
	}

	e.rooms.Get(groupID).Join(client)
	return nil
}

// LeaveGroup unsubscribes the connection from a group room.
func (e *Engine) LeaveGroup(client *Client, groupID string) {
	if strings.TrimSpace(groupID) == "" {
		return
	}
	e.rooms.Leave(groupID, client.SessionID)
}

// DrainOffline destructively drains the caller's mailbox and replays the
// queued events in enqueue order. Nothing is emitted for an empty mailbox.
func (e *Engine) DrainOffline(ctx context.Context, client *Client) error {
	events, err := e.mailbox.Drain(ctx, client.UserID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if len(events) == 0 {
		return nil
	}

	raws := make([]json.RawMessage, len(events))
	for i, ev := range events {
		raws[i] = json.RawMessage(ev)
	}
	client.TrySend(v1.NewEnvelope(v1.TypeOfflineMessages, v1.OfflineMessagesPayload{Messages: raws}))
	e.metrics.OfflineDrained.Add(float64(len(events)))
	return nil
}

// ---- helpers ----

func (e *Engine) persistMessage(ctx context.Context, senderID, receiverID, groupID, content string, mt store.MessageType, fileURL, fileName string, fileSize int64) (*store.Message, error) {
	now := e.now()
	id, err := NewMessageID(now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	msg := &store.Message{
		ID:             id,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		GroupID:        groupID,
		Content:        content,
		MessageType:    mt,
		FileURL:        fileURL,
		FileName:       fileName,
		FileSize:       fileSize,
		DeliveryStatus: store.DeliverySent,
		ReadBy:         []store.ReadReceipt{},
		DeliveredTo:    []store.DeliveryReceipt{},
		CreatedAt:      now,
	}
	if err := e.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return msg, nil
}

func (e *Engine) enqueueOffline(ctx context.Context, userID string, env v1.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		e.log.Error("offline.encode.fail", "user_id", userID, "err", err)
		return
	}
	if err := e.mailbox.Enqueue(ctx, userID, b); err != nil {
		e.log.Error("offline.enqueue.fail", "user_id", userID, "err", err)
		return
	}
	e.metrics.OfflineEnqueued.Inc()
}

func messageTypeFor(content, fileURL, messageType string) (store.MessageType, error) {
	if strings.TrimSpace(content) == "" && strings.TrimSpace(fileURL) == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len([]rune(content)) > maxContentChars {
		return "", fmt.Errorf("%w: content too long: max=%d chars", ErrInvalidInput, maxContentChars)
	}

	mt := store.MessageType(messageType)
	if mt == "" {
		mt = store.MessageText
	}
	if !store.ValidMessageType(mt) {
		return "", fmt.Errorf("%w: message type %q", ErrInvalidInput, messageType)
	}
	return mt, nil
}
