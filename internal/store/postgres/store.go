// Package postgres implements the conversation and message stores on
// PostgreSQL using database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/junqo/messaging-gateway/internal/store"
)

// foreignKeyViolation is the SQLSTATE of a foreign key violation.
const foreignKeyViolation = "23503"

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Conversations returns the ConversationStore view of s.
func (s *Store) Conversations() store.ConversationStore { return conversations{s.db} }

// Messages returns the MessageStore view of s.
func (s *Store) Messages() store.MessageStore { return messages{s.db} }

// classify maps driver errors onto the store sentinels.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return fmt.Errorf("postgres: %s: %w", op, store.ErrForeignKey)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

type conversations struct{ db *sql.DB }

const conversationColumns = `id, participants_ids, title, offer_id, application_id, last_message_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		c                                  store.Conversation
		title, offerID, appID, lastMessage sql.NullString
	)
	err := row.Scan(
		&c.ID,
		pq.Array(&c.ParticipantsIDs),
		&title,
		&offerID,
		&appID,
		&lastMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	c.OfferID = offerID.String
	c.ApplicationID = appID.String
	c.LastMessageID = lastMessage.String
	return &c, nil
}

func (s conversations) FindByID(ctx context.Context, id string) (*store.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("find conversation", err)
	}
	return c, nil
}

func (s conversations) Create(ctx context.Context, c store.Conversation) (*store.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
		INSERT INTO conversations (id, participants_ids, title, offer_id, application_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + conversationColumns

	created, err := scanConversation(s.db.QueryRowContext(ctx, query,
		c.ID,
		pq.Array(c.ParticipantsIDs),
		nullable(c.Title),
		nullable(c.OfferID),
		nullable(c.ApplicationID),
	))
	if err != nil {
		return nil, classify("insert conversation", err)
	}
	return created, nil
}

func (s conversations) SetParticipants(ctx context.Context, id string, participantsIDs []string) (*store.Conversation, error) {
	query := `
		UPDATE conversations SET participants_ids = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id, pq.Array(participantsIDs)))
	if err != nil {
		return nil, classify("set participants", err)
	}
	return c, nil
}

func (s conversations) SetLastMessage(ctx context.Context, id, messageID string) error {
	const query = `UPDATE conversations SET last_message_id = $2, updated_at = NOW() WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, messageID)
	if err != nil {
		return classify("set last message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("set last message", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete relies on ON DELETE CASCADE to drop messages and read receipts.
func (s conversations) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return classify("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete conversation", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s conversations) FindByQuery(ctx context.Context, q store.ConversationQuery) ([]store.Conversation, int, error) {
	const where = `WHERE $1 = '' OR $1 = ANY(participants_ids)`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations `+where, q.ParticipantID).Scan(&total); err != nil {
		return nil, 0, classify("count conversations", err)
	}

	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}
	query := `SELECT ` + conversationColumns + ` FROM conversations ` + where + `
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, q.ParticipantID, limit, q.Offset)
	if err != nil {
		return nil, 0, classify("query conversations", err)
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, classify("scan conversation", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("iterate conversations", err)
	}
	return out, total, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type messages struct{ db *sql.DB }

const messageColumns = `id, sender_id, conversation_id, content, created_at, updated_at`

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	if err := row.Scan(&m.ID, &m.SenderID, &m.ConversationID, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s messages) FindByID(ctx context.Context, id string) (*store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("find message", err)
	}
	return m, nil
}

func (s messages) Create(ctx context.Context, m store.Message) (*store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	query := `
		INSERT INTO messages (id, sender_id, conversation_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + messageColumns

	created, err := scanMessage(s.db.QueryRowContext(ctx, query, m.ID, m.SenderID, m.ConversationID, m.Content))
	if err != nil {
		return nil, classify("insert message", err)
	}
	return created, nil
}

func (s messages) Update(ctx context.Context, id, content string) (*store.Message, error) {
	query := `
		UPDATE messages SET content = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + messageColumns

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id, content))
	if err != nil {
		return nil, classify("update message", err)
	}
	return m, nil
}

func (s messages) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return classify("delete message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete message", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s messages) FindByConversation(ctx context.Context, conversationID string, q store.HistoryQuery) ([]store.Message, error) {
	var before sql.NullTime
	if q.Before != nil {
		before = sql.NullTime{Time: *q.Before, Valid: true}
	}
	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("scan message", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return out, nil
}

func (s messages) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) (*store.ReadStatus, error) {
	const query = `
		INSERT INTO message_read_status (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at
		RETURNING message_id, user_id, read_at`

	var rs store.ReadStatus
	err := s.db.QueryRowContext(ctx, query, messageID, userID, readAt).Scan(&rs.MessageID, &rs.UserID, &rs.ReadAt)
	if err != nil {
		return nil, classify("mark read", err)
	}
	return &rs, nil
}

func (s messages) ReadStatuses(ctx context.Context, messageID string) ([]store.ReadStatus, error) {
	const query = `
		SELECT message_id, user_id, read_at FROM message_read_status
		WHERE message_id = $1
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, classify("query read status", err)
	}
	defer rows.Close()

	var out []store.ReadStatus
	for rows.Next() {
		var rs store.ReadStatus
		if err := rows.Scan(&rs.MessageID, &rs.UserID, &rs.ReadAt); err != nil {
			return nil, classify("scan read status", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate read status", err)
	}
	return out, nil
}
