// Package queue implements the per-user offline mailbox: a durable,
// TTL-bounded FIFO buffer of serialized message events for recipients with no
// live connection. Delivery is at-least-once; Drain is destructive.
package queue

import (
	"context"
	"time"
)

// DefaultTTL bounds mailbox retention. The TTL covers the whole mailbox and
// is refreshed on every enqueue, not per entry.
const DefaultTTL = 7 * 24 * time.Hour

// Mailbox is the offline-queue collaborator surface.
//
// Ordering contract: events come back from Drain in enqueue order (FIFO).
// This is what restores per-pair ordering across a connectivity gap.
type Mailbox interface {
	// Enqueue appends event to userID's mailbox and refreshes its TTL.
	Enqueue(ctx context.Context, userID string, event []byte) error
	// Drain returns all queued events in FIFO order and clears the mailbox.
	// A client that crashes after Drain loses those events; that is the
	// at-least-once tradeoff, not a bug.
	Drain(ctx context.Context, userID string) ([][]byte, error)
	// Len reports the number of queued events without consuming them.
	Len(ctx context.Context, userID string) (int, error)
}
