package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when COURIER_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresMessageLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	pg, err := NewPostgres(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres: %v", err)
	}
	msgs := pg.Messages()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustInsertUser(t, pool, schema, "alice")
	mustInsertUser(t, pool, schema, "bob")

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "it-msg-" + testRandomHex(8)
	in := &Message{
		ID:             id,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hello",
		MessageType:    MessageText,
		DeliveryStatus: DeliverySent,
		CreatedAt:      now,
	}
	if err := msgs.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := msgs.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeliveryStatus != DeliverySent || got.ReceiverID != "bob" || got.GroupID != "" {
		t.Fatalf("unexpected message: %+v", got)
	}

	got, err = msgs.MarkDelivered(ctx, id, "bob", now.Add(time.Second))
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if got.DeliveryStatus != DeliveryDelivered || len(got.DeliveredTo) != 1 {
		t.Fatalf("after delivery: %+v", got)
	}

	got, advanced, err := msgs.MarkRead(ctx, id, "bob", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got.DeliveryStatus != DeliveryRead || len(got.ReadBy) != 1 || !advanced {
		t.Fatalf("after read: advanced=%v %+v", advanced, got)
	}

	// No-op second read, no regression from a late delivery.
	got, advanced, err = msgs.MarkRead(ctx, id, "bob", now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if got.DeliveryStatus != DeliveryRead || len(got.ReadBy) != 1 || advanced {
		t.Fatalf("second read mutated row: advanced=%v %+v", advanced, got)
	}
	got, err = msgs.MarkDelivered(ctx, id, "bob", now.Add(4*time.Second))
	if err != nil {
		t.Fatalf("late delivery: %v", err)
	}
	if got.DeliveryStatus != DeliveryRead {
		t.Fatalf("status regressed to %s", got.DeliveryStatus)
	}
}

func TestPostgresUserAndGroupStores(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	pg, err := NewPostgres(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustInsertUser(t, pool, schema, "alice")
	mustInsertUser(t, pool, schema, "bob")
	mustInsertGroup(t, pool, schema, "g1", map[string]string{"alice": "admin", "bob": "member"})

	users := pg.Users()
	u, err := users.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.IsActive {
		t.Fatal("expected active user")
	}

	seen := time.Now().UTC().Truncate(time.Microsecond)
	if err := users.SetStatus(ctx, "alice", StatusOnline, seen); err != nil {
		t.Fatalf("set status: %v", err)
	}
	u, err = users.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if u.Status != StatusOnline || !u.LastSeen.Equal(seen) {
		t.Fatalf("status=%s lastSeen=%v", u.Status, u.LastSeen)
	}

	groups := pg.Groups()
	g, err := groups.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if len(g.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(g.Members))
	}
	ok, err := groups.IsMember(ctx, "g1", "bob")
	if err != nil || !ok {
		t.Fatalf("IsMember = %v, %v", ok, err)
	}
	ok, err = groups.IsMember(ctx, "g1", "mallory")
	if err != nil || ok {
		t.Fatalf("IsMember(mallory) = %v, %v", ok, err)
	}
	ids, err := groups.GroupsFor(ctx, "bob")
	if err != nil {
		t.Fatalf("GroupsFor: %v", err)
	}
	if len(ids) != 1 || ids[0] != "g1" {
		t.Fatalf("GroupsFor(bob) = %v", ids)
	}
}

// ---- test helpers ----

func testRandomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "courier_it_" + strings.ToLower(testRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	groups := pgIdent(schema, "groups")
	members := pgIdent(schema, "group_members")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by the Postgres stores.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  avatar        TEXT,
  status        TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('online', 'away', 'offline')),
  last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
  blocked_users TEXT[] NOT NULL DEFAULT '{}',
  is_active     BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS %s (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
  group_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id  TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  role     TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('admin', 'member')),
  PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  sender_id       TEXT NOT NULL REFERENCES %s(id),
  receiver_id     TEXT REFERENCES %s(id),
  group_id        TEXT REFERENCES %s(id),
  content         TEXT NOT NULL DEFAULT '',
  message_type    TEXT NOT NULL DEFAULT 'text' CHECK (message_type IN ('text', 'image', 'file', 'audio', 'video')),
  file_url        TEXT,
  file_name       TEXT,
  file_size       BIGINT,
  delivery_status TEXT NOT NULL DEFAULT 'sent' CHECK (delivery_status IN ('sent', 'delivered', 'read')),
  read_by         JSONB NOT NULL DEFAULT '[]',
  delivered_to    JSONB NOT NULL DEFAULT '[]',
  is_deleted      BOOLEAN NOT NULL DEFAULT false,
  deleted_for     JSONB NOT NULL DEFAULT '[]',
  reply_to        TEXT,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_target CHECK ((receiver_id IS NULL) <> (group_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %s (sender_id, receiver_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_group_created
  ON %s (group_id, created_at DESC);
`, users, groups, members, groups, users, messages, users, users, groups, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustInsertUser(t *testing.T, pool *pgxpool.Pool, schema, id string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "users")+` (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`,
		id,
	); err != nil {
		t.Fatalf("insert user %s: %v", id, err)
	}
}

func mustInsertGroup(t *testing.T, pool *pgxpool.Pool, schema, id string, members map[string]string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "groups")+` (id, name) VALUES ($1, $1)`,
		id,
	); err != nil {
		t.Fatalf("insert group %s: %v", id, err)
	}
	for userID, role := range members {
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+pgIdent(schema, "group_members")+` (group_id, user_id, role) VALUES ($1, $2, $3)`,
			id, userID, role,
		); err != nil {
			t.Fatalf("insert member %s: %v", userID, err)
		}
	}
}
