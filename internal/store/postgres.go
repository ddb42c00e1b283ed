package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements the three collaborator stores on top of PostgreSQL.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
//
// Receipt lists (read_by, delivered_to, deleted_for) are JSONB columns;
// monotone delivery-status transitions are enforced in the UPDATE statements
// so concurrent writers cannot regress a status.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by the stores (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgres constructs the Postgres-backed stores.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Users returns the UserStore view.
func (s *Postgres) Users() UserStore { return pgUserStore{s} }

// Messages returns the MessageStore view.
func (s *Postgres) Messages() MessageStore { return pgMessageStore{s} }

// Groups returns the GroupStore view.
func (s *Postgres) Groups() GroupStore { return pgGroupStore{s} }

// ---- users ----

type pgUserStore struct{ s *Postgres }

func (v pgUserStore) Get(ctx context.Context, id string) (*User, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := pgIdent(s.schema, "users")

	var u User
	var blocked []string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(avatar, ''), status, last_seen, COALESCE(blocked_users, '{}'), is_active
		   FROM `+users+`
		  WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Avatar, &u.Status, &u.LastSeen, &blocked, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.BlockedUsers = blocked
	return &u, nil
}

func (v pgUserStore) SetStatus(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	s := v.s
	if err := ctx.Err(); err != nil {
		return err
	}

	users := pgIdent(s.schema, "users")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET status = $2, last_seen = $3 WHERE id = $1`,
		id, status, lastSeen,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- messages ----

type pgMessageStore struct{ s *Postgres }

const messageColumns = `id, sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''),
       content, message_type, COALESCE(file_url, ''), COALESCE(file_name, ''), COALESCE(file_size, 0),
       delivery_status, read_by, delivered_to, is_deleted, deleted_for, COALESCE(reply_to, ''), created_at`

func (v pgMessageStore) Create(ctx context.Context, m *Message) error {
	s := v.s
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	readBy, err := json.Marshal(emptyIfNilRead(m.ReadBy))
	if err != nil {
		return err
	}
	deliveredTo, err := json.Marshal(emptyIfNilDelivery(m.DeliveredTo))
	if err != nil {
		return err
	}
	deletedFor, err := json.Marshal(emptyIfNilStrings(m.DeletedFor))
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, sender_id, receiver_id, group_id, content, message_type,
		     file_url, file_name, file_size, delivery_status,
		     read_by, delivered_to, is_deleted, deleted_for, reply_to, created_at
		   ) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6,
		             NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0), $10,
		             $11, $12, $13, $14, NULLIF($15, ''), $16)`,
		m.ID, m.SenderID, m.ReceiverID, m.GroupID, m.Content, m.MessageType,
		m.FileURL, m.FileName, m.FileSize, m.DeliveryStatus,
		readBy, deliveredTo, m.IsDeleted, deletedFor, m.ReplyTo, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (v pgMessageStore) Get(ctx context.Context, id string) (*Message, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id)
	return scanMessage(row)
}

// MarkDelivered appends a delivery receipt and advances sent -> delivered.
// The CASE keeps the transition monotone under concurrent read/deliver races.
func (v pgMessageStore) MarkDelivered(ctx context.Context, id, userID string, at time.Time) (*Message, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	receipt, err := json.Marshal([]DeliveryReceipt{{UserID: userID, DeliveredAt: at}})
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET delivered_to = delivered_to || $2::jsonb,
		        delivery_status = CASE WHEN delivery_status = 'sent' THEN 'delivered' ELSE delivery_status END
		  WHERE id = $1
		RETURNING `+messageColumns,
		id, receipt,
	)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkRead advances the status to read and appends a read receipt. Reading an
// already-read message is a no-op success reported as advanced=false.
func (v pgMessageStore) MarkRead(ctx context.Context, id, userID string, at time.Time) (*Message, bool, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	messages := pgIdent(s.schema, "messages")

	receipt, err := json.Marshal([]ReadReceipt{{UserID: userID, ReadAt: at}})
	if err != nil {
		return nil, false, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET read_by = read_by || $2::jsonb,
		        delivery_status = 'read'
		  WHERE id = $1 AND delivery_status <> 'read'
		RETURNING `+messageColumns,
		id, receipt,
	)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		// Already read, or genuinely missing.
		m, err = v.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return m, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var readBy, deliveredTo, deletedFor []byte
	err := row.Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID,
		&m.Content, &m.MessageType, &m.FileURL, &m.FileName, &m.FileSize,
		&m.DeliveryStatus, &readBy, &deliveredTo, &m.IsDeleted, &deletedFor, &m.ReplyTo, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decode read_by: %w", err)
	}
	if err := json.Unmarshal(deliveredTo, &m.DeliveredTo); err != nil {
		return nil, fmt.Errorf("decode delivered_to: %w", err)
	}
	if err := json.Unmarshal(deletedFor, &m.DeletedFor); err != nil {
		return nil, fmt.Errorf("decode deleted_for: %w", err)
	}
	return &m, nil
}

// ---- groups ----

type pgGroupStore struct{ s *Postgres }

func (v pgGroupStore) Get(ctx context.Context, id string) (*Group, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := pgIdent(s.schema, "groups")
	members := pgIdent(s.schema, "group_members")

	var g Group
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM `+groups+` WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, role FROM `+members+` WHERE group_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (v pgGroupStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "group_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (v pgGroupStore) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	s := v.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := pgIdent(s.schema, "group_members")

	rows, err := s.pool.Query(ctx,
		`SELECT group_id FROM `+members+` WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ---- helpers ----

func emptyIfNilRead(r []ReadReceipt) []ReadReceipt {
	if r == nil {
		return []ReadReceipt{}
	}
	return r
}

func emptyIfNilDelivery(r []DeliveryReceipt) []DeliveryReceipt {
	if r == nil {
		return []DeliveryReceipt{}
	}
	return r
}

func emptyIfNilStrings(r []string) []string {
	if r == nil {
		return []string{}
	}
	return r
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
