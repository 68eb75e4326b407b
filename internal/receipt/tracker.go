// Package receipt drives the per-message delivery state machine
// (SENT -> DELIVERED -> READ) over the durable message store. Transitions
// are monotonic compare-and-set row updates, so racing markers are tolerated
// silently: marking an unknown or already-read message is a no-op, never an
// error back to the caller.
package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DeliveryNote describes the receipt notification owed to the sender after
// a successful SENT -> DELIVERED transition.
type DeliveryNote struct {
	MessageID      string
	Sender         string
	Receiver       string
	ConversationID string
	DeliveredAt    time.Time
}

// ReadNote is one batched read notification: every message id in it belongs
// to the same original sender, so the fan-out cost is one event per sender
// rather than one per message.
type ReadNote struct {
	Sender     string
	MessageIDs []string
}

// ReadResult is the outcome of a MarkRead call: the notes to route back to
// senders and the conversations whose unread counters the reader cleared.
type ReadResult struct {
	Notes         []ReadNote
	Conversations []string
}

// ReadTarget selects which messages to mark read. Exactly one field is set:
// an explicit id list, everything in a conversation, or everything from a
// sender.
type ReadTarget struct {
	MessageIDs     []string
	ConversationID string
	SenderID       string
}

// ErrBadTarget is returned when a ReadTarget sets zero or several modes.
var ErrBadTarget = errors.New("receipt: exactly one addressing mode required")

// Tracker applies receipt transitions against PostgreSQL.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a receipt tracker on the shared database handle.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// MarkDelivered transitions a message to DELIVERED. It is idempotent: if the
// message is unknown, already delivered, or already read, it returns
// (nil, nil) and no notification is owed.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID string) (*DeliveryNote, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, nil
	}

	const query = `
		UPDATE messages SET delivered_at = NOW()
		WHERE id = $1 AND delivered_at IS NULL
		RETURNING sender, receiver, conversation_id, delivered_at`

	var note DeliveryNote
	note.MessageID = messageID
	err := t.db.QueryRowContext(ctx, query, messageID).Scan(
		&note.Sender, &note.Receiver, &note.ConversationID, &note.DeliveredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt: mark delivered %s: %w", messageID, err)
	}
	return &note, nil
}

// MarkRead transitions every message selected by target (and addressed to
// reader) to READ, implying DELIVERED where that was skipped. The result
// batches notifications per original sender and lists the conversations the
// reader has now caught up on. Messages already read or unknown are skipped
// silently.
func (t *Tracker) MarkRead(ctx context.Context, reader string, target ReadTarget) (*ReadResult, error) {
	query, arg, err := readQuery(target)
	if err != nil {
		return nil, err
	}
	if query == "" {
		// Target resolved to nothing markable (e.g. only malformed ids).
		return &ReadResult{}, nil
	}

	rows, err := t.db.QueryContext(ctx, query, reader, arg)
	if err != nil {
		return nil, fmt.Errorf("receipt: mark read for %s: %w", reader, err)
	}
	defer rows.Close()

	var marked []readRow
	for rows.Next() {
		var r readRow
		if err := rows.Scan(&r.id, &r.sender, &r.conversationID); err != nil {
			return nil, fmt.Errorf("receipt: scan read row: %w", err)
		}
		marked = append(marked, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipt: mark read for %s: %w", reader, err)
	}
	return groupReadRows(marked), nil
}

type readRow struct {
	id             string
	sender         string
	conversationID string
}

const readUpdateHead = `
	UPDATE messages SET
		read_at = NOW(),
		delivered_at = COALESCE(delivered_at, NOW())
	WHERE receiver = $1 AND read_at IS NULL AND `

const readUpdateTail = `
	RETURNING id, sender, conversation_id`

// readQuery resolves the addressing mode to a concrete UPDATE. A query of ""
// with a nil error means the target is valid but selects nothing.
func readQuery(target ReadTarget) (string, interface{}, error) {
	modes := 0
	if len(target.MessageIDs) > 0 {
		modes++
	}
	if target.ConversationID != "" {
		modes++
	}
	if target.SenderID != "" {
		modes++
	}
	if modes != 1 {
		return "", nil, ErrBadTarget
	}

	switch {
	case len(target.MessageIDs) > 0:
		valid := make([]string, 0, len(target.MessageIDs))
		for _, id := range target.MessageIDs {
			if _, err := uuid.Parse(id); err == nil {
				valid = append(valid, id)
			}
		}
		if len(valid) == 0 {
			return "", nil, nil
		}
		return readUpdateHead + `id = ANY($2::uuid[])` + readUpdateTail, pq.Array(valid), nil
	case target.ConversationID != "":
		if _, err := uuid.Parse(target.ConversationID); err != nil {
			return "", nil, nil
		}
		return readUpdateHead + `conversation_id = $2` + readUpdateTail, target.ConversationID, nil
	default:
		return readUpdateHead + `sender = $2` + readUpdateTail, target.SenderID, nil
	}
}

// groupReadRows batches freshly read messages per original sender and
// collects the distinct conversations touched. Senders and conversations
// come back sorted so callers emit notifications deterministically.
func groupReadRows(rows []readRow) *ReadResult {
	bySender := make(map[string][]string)
	convSet := make(map[string]struct{})
	for _, r := range rows {
		bySender[r.sender] = append(bySender[r.sender], r.id)
		convSet[r.conversationID] = struct{}{}
	}

	result := &ReadResult{}
	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)
	for _, s := range senders {
		result.Notes = append(result.Notes, ReadNote{Sender: s, MessageIDs: bySender[s]})
	}

	for c := range convSet {
		result.Conversations = append(result.Conversations, c)
	}
	sort.Strings(result.Conversations)
	return result
}
