package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryMailbox is an in-memory Mailbox used for unit tests and redis-less
// dev. It mirrors the Redis implementation's semantics, including lazy
// whole-mailbox TTL expiry.
type MemoryMailbox struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	mailboxes map[string]*memBox
}

type memBox struct {
	events    [][]byte
	expiresAt time.Time
}

// MemoryOption configures a MemoryMailbox.
type MemoryOption func(*MemoryMailbox)

// WithTTL overrides the default 7-day mailbox TTL.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryMailbox) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryMailbox) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryMailbox constructs an empty in-memory mailbox store.
func NewMemoryMailbox(opts ...MemoryOption) *MemoryMailbox {
	m := &MemoryMailbox{
		ttl:       DefaultTTL,
		now:       time.Now,
		mailboxes: make(map[string]*memBox),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends event and refreshes the whole-mailbox TTL.
func (m *MemoryMailbox) Enqueue(ctx context.Context, userID string, event []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	box := m.mailboxes[userID]
	if box == nil || now.After(box.expiresAt) {
		box = &memBox{}
		m.mailboxes[userID] = box
	}
	box.events = append(box.events, append([]byte(nil), event...))
	box.expiresAt = now.Add(m.ttl)
	return nil
}

// Drain returns all events in FIFO order and clears the mailbox.
func (m *MemoryMailbox) Drain(ctx context.Context, userID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	box := m.mailboxes[userID]
	if box == nil {
		return nil, nil
	}
	delete(m.mailboxes, userID)
	if m.now().After(box.expiresAt) {
		return nil, nil
	}
	return box.events, nil
}

// Len reports the number of queued events.
func (m *MemoryMailbox) Len(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	box := m.mailboxes[userID]
	if box == nil || m.now().After(box.expiresAt) {
		return 0, nil
	}
	return len(box.events), nil
}
