// Package store provides the PostgreSQL-backed durable message store. The
// realtime core owns the lifecycle fields (delivered_at, read_at) but the
// records themselves outlive any queue or session state. Schema migrations
// run automatically on Open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a referenced message or conversation does not
// exist. Callers that promise idempotence translate it into a no-op.
var ErrNotFound = errors.New("store: not found")

// Store wraps the PostgreSQL handle shared by the message, receipt, and
// conversation layers.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
// Used by tests that manage the schema themselves.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the receipt and conversation layers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Message is a durable chat message with its delivery lifecycle fields.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Receiver       string
	Payload        string
	CreatedAt      time.Time
	DeliveredAt    sql.NullTime
	ReadAt         sql.NullTime
}

// InsertMessage persists a new message and returns its id.
func (s *Store) InsertMessage(ctx context.Context, conversationID, sender, receiver, payload string) (string, error) {
	id := uuid.NewString()
	const query = `
		INSERT INTO messages (id, conversation_id, sender, receiver, payload)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, id, conversationID, sender, receiver, payload); err != nil {
		return "", fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

// GetMessage loads a single message. Returns ErrNotFound if absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	const query = `
		SELECT id, conversation_id, sender, receiver, payload, created_at, delivered_at, read_at
		FROM messages WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Payload,
		&m.CreatedAt, &m.DeliveredAt, &m.ReadAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %s: %w", id, err)
	}
	return &m, nil
}

// LoadHistory returns up to limit messages of a conversation, newest first,
// older than the before cursor. A zero before time means "from the latest".
func (s *Store) LoadHistory(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}

	const query = `
		SELECT id, conversation_id, sender, receiver, payload, created_at, delivered_at, read_at
		FROM messages
		WHERE conversation_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: load history %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Payload,
			&m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
