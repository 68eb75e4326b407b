// Package conversation maintains per-conversation unread counters and
// last-activity metadata in PostgreSQL. Conversation identity is a canonical
// order-independent key over the two participants, so concurrent creation
// attempts for the same pair converge on one record.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edulink/realtime/internal/store"
)

// Conversation is one direct-message thread between two participants.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	LastEventID  sql.NullString
	LastEventAt  sql.NullTime
	UnreadA      int
	UnreadB      int
}

// Other returns the participant that is not identity, or "" if identity is
// not part of the conversation.
func (c *Conversation) Other(identity string) string {
	if identity == c.ParticipantA {
		return c.ParticipantB
	}
	if identity == c.ParticipantB {
		return c.ParticipantA
	}
	return ""
}

// CanonicalPair orders two participants lexicographically so the same pair
// always maps to the same (participant_a, participant_b) key.
func CanonicalPair(x, y string) (string, string) {
	if x <= y {
		return x, y
	}
	return y, x
}

// Store manages conversation rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store on the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the conversation for the pair, creating it if absent.
// Compare-and-create: the insert is ON CONFLICT DO NOTHING on the canonical
// pair, then the winner's row is read back, so two concurrent callers always
// observe the same record.
func (s *Store) GetOrCreate(ctx context.Context, x, y string) (*Conversation, error) {
	pa, pb := CanonicalPair(x, y)

	const insert = `
		INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, uuid.NewString(), pa, pb); err != nil {
		return nil, fmt.Errorf("conversation: create %s/%s: %w", pa, pb, err)
	}

	const query = `
		SELECT id, participant_a, participant_b, last_event_id, last_event_at, unread_a, unread_b
		FROM conversations
		WHERE participant_a = $1 AND participant_b = $2`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, pa, pb).Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastEventID, &c.LastEventAt,
		&c.UnreadA, &c.UnreadB,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: get %s/%s: %w", pa, pb, err)
	}
	return &c, nil
}

// Get loads a conversation by id. Returns store.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, participant_a, participant_b, last_event_id, last_event_at, unread_a, unread_b
		FROM conversations WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastEventID, &c.LastEventAt,
		&c.UnreadA, &c.UnreadB,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get %s: %w", id, err)
	}
	return &c, nil
}

// RecordNewMessage bumps the non-sending participant's unread counter and
// advances the last-event pointer, all in one row update.
func (s *Store) RecordNewMessage(ctx context.Context, conversationID, sender, eventID string) error {
	const query = `
		UPDATE conversations SET
			unread_a = unread_a + (CASE WHEN participant_a <> $2 THEN 1 ELSE 0 END),
			unread_b = unread_b + (CASE WHEN participant_b <> $2 THEN 1 ELSE 0 END),
			last_event_id = $3,
			last_event_at = $4
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, conversationID, sender, eventID, time.Now())
	if err != nil {
		return fmt.Errorf("conversation: record message %s: %w", conversationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResetUnread zeroes the reader's unread counter for the conversation.
// Resetting an unknown conversation is a no-op.
func (s *Store) ResetUnread(ctx context.Context, conversationID, reader string) error {
	const query = `
		UPDATE conversations SET
			unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, conversationID, reader); err != nil {
		return fmt.Errorf("conversation: reset unread %s: %w", conversationID, err)
	}
	return nil
}

// Summary is the unread overview for one identity.
type Summary struct {
	Total           int            `json:"total"`
	PerConversation map[string]int `json:"per_conversation"`
}

// UnreadSummary returns the identity's total unread count and the per-
// conversation breakdown (conversations with zero unread are omitted).
func (s *Store) UnreadSummary(ctx context.Context, identity string) (*Summary, error) {
	const query = `
		SELECT id,
		       CASE WHEN participant_a = $1 THEN unread_a ELSE unread_b END AS unread
		FROM conversations
		WHERE (participant_a = $1 OR participant_b = $1)
		  AND (CASE WHEN participant_a = $1 THEN unread_a ELSE unread_b END) > 0`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("conversation: unread summary %s: %w", identity, err)
	}
	defer rows.Close()

	summary := &Summary{PerConversation: make(map[string]int)}
	for rows.Next() {
		var id string
		var unread int
		if err := rows.Scan(&id, &unread); err != nil {
			return nil, fmt.Errorf("conversation: scan summary row: %w", err)
		}
		summary.PerConversation[id] = unread
		summary.Total += unread
	}
	return summary, rows.Err()
}
