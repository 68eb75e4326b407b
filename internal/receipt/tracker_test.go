package receipt

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/edulink/realtime/internal/conversation"
	"github.com/edulink/realtime/internal/store"
)

func TestGroupReadRows_BatchesPerSender(t *testing.T) {
	rows := []readRow{
		{id: "m1", sender: "bob", conversationID: "c1"},
		{id: "m2", sender: "alice", conversationID: "c2"},
		{id: "m3", sender: "bob", conversationID: "c1"},
	}

	result := groupReadRows(rows)
	if len(result.Notes) != 2 {
		t.Fatalf("expected one note per distinct sender, got %d", len(result.Notes))
	}
	// Sorted by sender.
	if result.Notes[0].Sender != "alice" || len(result.Notes[0].MessageIDs) != 1 {
		t.Errorf("unexpected first note: %+v", result.Notes[0])
	}
	if result.Notes[1].Sender != "bob" || len(result.Notes[1].MessageIDs) != 2 {
		t.Errorf("unexpected second note: %+v", result.Notes[1])
	}
	if len(result.Conversations) != 2 {
		t.Errorf("expected 2 distinct conversations, got %v", result.Conversations)
	}
}

func TestGroupReadRows_Empty(t *testing.T) {
	result := groupReadRows(nil)
	if len(result.Notes) != 0 || len(result.Conversations) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestReadQuery_ModeValidation(t *testing.T) {
	// Zero modes.
	if _, _, err := readQuery(ReadTarget{}); err != ErrBadTarget {
		t.Errorf("empty target: expected ErrBadTarget, got %v", err)
	}
	// Two modes at once.
	_, _, err := readQuery(ReadTarget{ConversationID: "c", SenderID: "s"})
	if err != ErrBadTarget {
		t.Errorf("double target: expected ErrBadTarget, got %v", err)
	}
	// Malformed ids only: valid call, selects nothing.
	q, _, err := readQuery(ReadTarget{MessageIDs: []string{"not-a-uuid"}})
	if err != nil || q != "" {
		t.Errorf("malformed ids: expected empty query and nil error, got %q, %v", q, err)
	}
	// Sender mode needs no uuid shape.
	q, arg, err := readQuery(ReadTarget{SenderID: "user-7"})
	if err != nil || q == "" || arg != "user-7" {
		t.Errorf("sender mode: unexpected %q, %v, %v", q, arg, err)
	}
}

// newTestEnv connects to TEST_DATABASE_URL, migrates, truncates, and seeds a
// conversation between user-7 and user-9. Skipped when the variable is unset.
func newTestEnv(t *testing.T) (*Tracker, *conversation.Store, *store.Store, string) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE messages, conversations`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	convs := conversation.NewStore(db)
	conv, err := convs.GetOrCreate(context.Background(), "user-7", "user-9")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return NewTracker(db), convs, store.NewStore(db), conv.ID
}

func TestMarkDelivered_Idempotent(t *testing.T) {
	tracker, _, messages, convID := newTestEnv(t)
	ctx := context.Background()

	id, err := messages.InsertMessage(ctx, convID, "user-7", "user-9", "hi")
	if err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}

	note, err := tracker.MarkDelivered(ctx, id)
	if err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}
	if note == nil || note.Sender != "user-7" || note.Receiver != "user-9" {
		t.Fatalf("expected delivery note for sender, got %+v", note)
	}

	// Second call: no transition, no second notification.
	note, err = tracker.MarkDelivered(ctx, id)
	if err != nil {
		t.Fatalf("second MarkDelivered() error: %v", err)
	}
	if note != nil {
		t.Errorf("expected nil note on repeat delivery, got %+v", note)
	}

	// Unknown and malformed ids are tolerated.
	if note, err = tracker.MarkDelivered(ctx, "22222222-2222-2222-2222-222222222222"); err != nil || note != nil {
		t.Errorf("unknown id: expected (nil, nil), got (%+v, %v)", note, err)
	}
	if note, err = tracker.MarkDelivered(ctx, "garbage"); err != nil || note != nil {
		t.Errorf("malformed id: expected (nil, nil), got (%+v, %v)", note, err)
	}
}

func TestMarkRead_ByConversation(t *testing.T) {
	tracker, _, messages, convID := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := messages.InsertMessage(ctx, convID, "user-7", "user-9", "hi")
		if err != nil {
			t.Fatalf("InsertMessage() error: %v", err)
		}
		ids = append(ids, id)
	}

	result, err := tracker.MarkRead(ctx, "user-9", ReadTarget{ConversationID: convID})
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if len(result.Notes) != 1 || result.Notes[0].Sender != "user-7" {
		t.Fatalf("expected one note to user-7, got %+v", result.Notes)
	}
	if len(result.Notes[0].MessageIDs) != 3 {
		t.Errorf("expected 3 message ids in the batch, got %d", len(result.Notes[0].MessageIDs))
	}
	if len(result.Conversations) != 1 || result.Conversations[0] != convID {
		t.Errorf("expected conversation %s touched, got %v", convID, result.Conversations)
	}

	// Read implies delivered.
	m, err := messages.GetMessage(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if !m.DeliveredAt.Valid || !m.ReadAt.Valid {
		t.Errorf("expected both timestamps set, got %+v", m)
	}

	// Re-reading the conversation is a silent no-op.
	result, err = tracker.MarkRead(ctx, "user-9", ReadTarget{ConversationID: convID})
	if err != nil {
		t.Fatalf("repeat MarkRead() error: %v", err)
	}
	if len(result.Notes) != 0 {
		t.Errorf("expected no notes on repeat read, got %+v", result.Notes)
	}
}

func TestMarkRead_ByIDsAndBySender(t *testing.T) {
	tracker, _, messages, convID := newTestEnv(t)
	ctx := context.Background()

	id1, _ := messages.InsertMessage(ctx, convID, "user-7", "user-9", "one")
	id2, _ := messages.InsertMessage(ctx, convID, "user-7", "user-9", "two")

	// Explicit id list, with an unknown id mixed in.
	result, err := tracker.MarkRead(ctx, "user-9", ReadTarget{
		MessageIDs: []string{id1, "33333333-3333-3333-3333-333333333333"},
	})
	if err != nil {
		t.Fatalf("MarkRead(ids) error: %v", err)
	}
	if len(result.Notes) != 1 || len(result.Notes[0].MessageIDs) != 1 || result.Notes[0].MessageIDs[0] != id1 {
		t.Fatalf("expected only %s marked, got %+v", id1, result.Notes)
	}

	// Everything-from-sender picks up the remainder.
	result, err = tracker.MarkRead(ctx, "user-9", ReadTarget{SenderID: "user-7"})
	if err != nil {
		t.Fatalf("MarkRead(sender) error: %v", err)
	}
	if len(result.Notes) != 1 || len(result.Notes[0].MessageIDs) != 1 || result.Notes[0].MessageIDs[0] != id2 {
		t.Fatalf("expected only %s marked, got %+v", id2, result.Notes)
	}
}

func TestMarkRead_WrongReaderIsNoop(t *testing.T) {
	tracker, _, messages, convID := newTestEnv(t)
	ctx := context.Background()

	id, _ := messages.InsertMessage(ctx, convID, "user-7", "user-9", "hi")

	// user-7 is the sender, not the receiver: nothing to mark.
	result, err := tracker.MarkRead(ctx, "user-7", ReadTarget{MessageIDs: []string{id}})
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if len(result.Notes) != 0 {
		t.Errorf("expected no notes for non-receiver, got %+v", result.Notes)
	}
}
