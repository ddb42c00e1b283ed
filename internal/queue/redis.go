package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "offline:"

// RedisMailbox is the durable Mailbox implementation: one Redis list per
// user, RPUSH on enqueue (FIFO), EXPIRE on the whole key after every append,
// LRANGE+DEL on drain.
type RedisMailbox struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOption configures a RedisMailbox.
type RedisOption func(*RedisMailbox)

// WithRedisTTL overrides the default 7-day mailbox TTL.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(m *RedisMailbox) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewRedisMailbox constructs a Mailbox backed by the given Redis client.
// The client is owned by the caller.
func NewRedisMailbox(client *redis.Client, opts ...RedisOption) *RedisMailbox {
	m := &RedisMailbox{
		client: client,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func mailboxKey(userID string) string {
	return redisKeyPrefix + userID
}

// Enqueue appends event and refreshes the whole-mailbox TTL in one round trip.
func (m *RedisMailbox) Enqueue(ctx context.Context, userID string, event []byte) error {
	key := mailboxKey(userID)

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, event)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", userID, err)
	}
	return nil
}

// Drain reads the full list and deletes the key atomically. RPUSH + LRANGE
// preserves enqueue order, so the slice is FIFO.
func (m *RedisMailbox) Drain(ctx context.Context, userID string) ([][]byte, error) {
	key := mailboxKey(userID)

	pipe := m.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: drain %s: %w", userID, err)
	}

	raw, err := rangeCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("queue: drain %s: %w", userID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	events := make([][]byte, len(raw))
	for i, s := range raw {
		events[i] = []byte(s)
	}
	return events, nil
}

// Len reports the queued event count without consuming the mailbox.
func (m *RedisMailbox) Len(ctx context.Context, userID string) (int, error) {
	n, err := m.client.LLen(ctx, mailboxKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len %s: %w", userID, err)
	}
	return int(n), nil
}
