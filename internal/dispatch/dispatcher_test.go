package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edulink/realtime/internal/conversation"
	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/receipt"
)

// fakeQueue is an in-memory EventQueue.
type fakeQueue struct {
	mu       sync.Mutex
	items    map[string][]event.Event
	peekErr  error
	drainErr error
	enqErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[string][]event.Event)}
}

func (q *fakeQueue) Enqueue(_ context.Context, recipient string, ev event.Event) error {
	if q.enqErr != nil {
		return q.enqErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[recipient] = append(q.items[recipient], ev)
	return nil
}

func (q *fakeQueue) DrainAll(_ context.Context, recipient string) ([]event.Event, error) {
	if q.drainErr != nil {
		return nil, q.drainErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items[recipient]
	delete(q.items, recipient)
	return out, nil
}

func (q *fakeQueue) PeekSize(_ context.Context, recipient string) (int64, error) {
	if q.peekErr != nil {
		return 0, q.peekErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items[recipient])), nil
}

func (q *fakeQueue) Clear(_ context.Context, recipient string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, recipient)
	return nil
}

func (q *fakeQueue) size(recipient string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[recipient])
}

// fakePresence tracks sessions in memory.
type fakePresence struct {
	mu       sync.Mutex
	sessions map[string]map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{sessions: make(map[string]map[string]bool)}
}

func (p *fakePresence) OpenSession(_ context.Context, identity, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := len(p.sessions[identity]) == 0
	if p.sessions[identity] == nil {
		p.sessions[identity] = make(map[string]bool)
	}
	p.sessions[identity][sessionID] = true
	return first, nil
}

func (p *fakePresence) CloseSession(_ context.Context, identity, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions[identity], sessionID)
	return len(p.sessions[identity]) == 0, nil
}

func (p *fakePresence) Heartbeat(context.Context, string, string) error { return nil }

func (p *fakePresence) IsOnline(_ context.Context, identity string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[identity]) > 0, nil
}

func (p *fakePresence) LiveSessions(_ context.Context, identity string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id := range p.sessions[identity] {
		out = append(out, id)
	}
	return out, nil
}

func (p *fakePresence) BulkIsOnline(_ context.Context, identities []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(identities))
	for _, id := range identities {
		out[id] = len(p.sessions[id]) > 0
	}
	return out, nil
}

func (p *fakePresence) OnlineIdentities(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, sess := range p.sessions {
		if len(sess) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// fakeTyping records typing calls.
type fakeTyping struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (t *fakeTyping) Start(_ context.Context, sender, recipient string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = append(t.started, sender+">"+recipient)
	return nil
}

func (t *fakeTyping) Stop(_ context.Context, sender, recipient string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = append(t.stopped, sender+">"+recipient)
	return nil
}

func (t *fakeTyping) IsTyping(context.Context, string, string) (bool, error) { return false, nil }

// fakeReceipts returns scripted results, optionally failing a few times
// first to exercise the retry path.
type fakeReceipts struct {
	mu           sync.Mutex
	failuresLeft int
	calls        int
	deliveryNote *receipt.DeliveryNote
	readResult   *receipt.ReadResult
	permanentErr error
}

func (r *fakeReceipts) MarkDelivered(context.Context, string) (*receipt.DeliveryNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.permanentErr != nil {
		return nil, r.permanentErr
	}
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return nil, errors.New("transient store failure")
	}
	return r.deliveryNote, nil
}

func (r *fakeReceipts) MarkRead(context.Context, string, receipt.ReadTarget) (*receipt.ReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.permanentErr != nil {
		return nil, r.permanentErr
	}
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return nil, errors.New("transient store failure")
	}
	return r.readResult, nil
}

// fakeConvs fabricates conversations and records reset calls.
type fakeConvs struct {
	mu     sync.Mutex
	resets []string
}

func (c *fakeConvs) GetOrCreate(_ context.Context, a, b string) (*conversation.Conversation, error) {
	pa, pb := conversation.CanonicalPair(a, b)
	return &conversation.Conversation{ID: "conv-" + pa + "-" + pb, ParticipantA: pa, ParticipantB: pb}, nil
}

func (c *fakeConvs) RecordNewMessage(context.Context, string, string, string) error { return nil }

func (c *fakeConvs) ResetUnread(_ context.Context, conversationID, reader string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, conversationID+":"+reader)
	return nil
}

func (c *fakeConvs) UnreadSummary(context.Context, string) (*conversation.Summary, error) {
	return &conversation.Summary{PerConversation: map[string]int{}}, nil
}

// fakeMessages hands out sequential message ids.
type fakeMessages struct {
	mu   sync.Mutex
	next int
}

func (m *fakeMessages) InsertMessage(context.Context, string, string, string, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return fmt.Sprintf("msg-%d", m.next), nil
}

// fakePusher captures published frames, optionally failing every publish.
type fakePusher struct {
	mu       sync.Mutex
	events   map[string][][]byte
	presence [][]byte
	fail     bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{events: make(map[string][][]byte)}
}

func (p *fakePusher) PublishEvent(identity string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats unavailable")
	}
	p.events[identity] = append(p.events[identity], data)
	return nil
}

func (p *fakePusher) PublishPresence(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats unavailable")
	}
	p.presence = append(p.presence, data)
	return nil
}

func (p *fakePusher) eventCount(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[identity])
}

type fixture struct {
	d        *Dispatcher
	queue    *fakeQueue
	presence *fakePresence
	typing   *fakeTyping
	receipts *fakeReceipts
	convs    *fakeConvs
	pusher   *fakePusher
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		queue:    newFakeQueue(),
		presence: newFakePresence(),
		typing:   &fakeTyping{},
		receipts: &fakeReceipts{},
		convs:    &fakeConvs{},
		pusher:   newFakePusher(),
	}
	f.d = New(cfg, f.queue, f.presence, f.typing, f.receipts, f.convs, &fakeMessages{}, f.pusher)
	return f
}

func TestPublish_QueuesForOfflineRecipient(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "hi"})
	if err := f.d.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if f.queue.size("bob") != 1 {
		t.Errorf("expected 1 queued event, got %d", f.queue.size("bob"))
	}
	if f.pusher.eventCount("bob") != 0 {
		t.Errorf("offline recipient should not be pushed, got %d pushes", f.pusher.eventCount("bob"))
	}
}

func TestPublish_PushesToOnlineRecipient(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.presence.OpenSession(ctx, "bob", "sess-1")

	ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "hi"})
	if err := f.d.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	// Queue copy is kept even when the push succeeds.
	if f.queue.size("bob") != 1 {
		t.Errorf("expected queue copy, got %d", f.queue.size("bob"))
	}
	if f.pusher.eventCount("bob") != 1 {
		t.Errorf("expected 1 push, got %d", f.pusher.eventCount("bob"))
	}
}

func TestPublish_PushFailureDoesNotEscalate(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.presence.OpenSession(ctx, "bob", "sess-1")
	f.pusher.fail = true

	ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "hi"})
	if err := f.d.Publish(ctx, ev); err != nil {
		t.Fatalf("push failure must not surface from Publish, got: %v", err)
	}
	if f.queue.size("bob") != 1 {
		t.Errorf("queue copy must survive push failure, got %d", f.queue.size("bob"))
	}
}

func TestSendMessage_PublishesToRecipient(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	ev, err := f.d.SendMessage(ctx, "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if ev.Recipient != "bob" || ev.Kind != event.KindMessage {
		t.Errorf("unexpected event: recipient=%s kind=%s", ev.Recipient, ev.Kind)
	}

	events, _ := f.queue.DrainAll(ctx, "bob")
	if len(events) != 1 {
		t.Fatalf("expected 1 event for bob, got %d", len(events))
	}
	payload, err := event.DecodePayload(events[0])
	if err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	mp := payload.(event.MessagePayload)
	if mp.Sender != "alice" || mp.Text != "hello" || mp.MessageID == "" {
		t.Errorf("unexpected payload: %+v", mp)
	}
}

func TestSendMessage_RejectsSelfRecipient(t *testing.T) {
	f := newFixture(Config{})

	_, err := f.d.SendMessage(context.Background(), "alice", "alice", "note to self")
	if !errors.Is(err, ErrSelfRecipient) {
		t.Fatalf("expected ErrSelfRecipient, got: %v", err)
	}
	if f.queue.size("alice") != 0 {
		t.Error("a rejected self-send must not queue an event")
	}
}

func TestBroadcast_SkipsFailedRecipients(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	n, err := f.d.Broadcast(ctx, "system", []string{"a", "b", "c"}, "maintenance", "back at noon")
	if err != nil {
		t.Fatalf("Broadcast() error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 published, got %d", n)
	}
	for _, id := range []string{"a", "b", "c"} {
		if f.queue.size(id) != 1 {
			t.Errorf("recipient %s: expected 1 queued notice, got %d", id, f.queue.size(id))
		}
	}
}

func TestTyping_PushOnlyNeverQueued(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.presence.OpenSession(ctx, "bob", "sess-1")

	if err := f.d.StartTyping(ctx, "alice", "bob"); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}
	if err := f.d.StopTyping(ctx, "alice", "bob"); err != nil {
		t.Fatalf("StopTyping() error: %v", err)
	}

	if f.queue.size("bob") != 0 {
		t.Errorf("typing must not be queued, got %d queued", f.queue.size("bob"))
	}
	if f.pusher.eventCount("bob") != 2 {
		t.Errorf("expected start+stop pushes, got %d", f.pusher.eventCount("bob"))
	}
}

func TestTyping_OfflineRecipientMissesSignal(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	if err := f.d.StartTyping(ctx, "alice", "bob"); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}
	if f.pusher.eventCount("bob") != 0 {
		t.Errorf("offline recipient should miss typing, got %d pushes", f.pusher.eventCount("bob"))
	}
}

func TestPresenceEdges_FirstAndLastSessionOnly(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.d.OpenPushSession(ctx, "bob", "sess-1")
	f.d.OpenPushSession(ctx, "bob", "sess-2")
	f.d.ClosePushSession(ctx, "bob", "sess-1")
	f.d.ClosePushSession(ctx, "bob", "sess-2")

	// One online edge for the first open, one offline edge for the last close.
	f.pusher.mu.Lock()
	n := len(f.pusher.presence)
	f.pusher.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 presence broadcasts, got %d", n)
	}
}

func TestDisconnect_TearsDownSessionsAndQueue(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.d.OpenPushSession(ctx, "bob", "sess-1")
	f.d.OpenPushSession(ctx, "bob", "sess-2")
	ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "x"})
	f.d.Publish(ctx, ev)

	if err := f.d.Disconnect(ctx, "bob"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	online, _ := f.presence.IsOnline(ctx, "bob")
	if online {
		t.Error("identity should be offline after Disconnect")
	}
	if f.queue.size("bob") != 0 {
		t.Errorf("queue should be cleared, got %d", f.queue.size("bob"))
	}

	// Disconnecting again is a no-op.
	if err := f.d.Disconnect(ctx, "bob"); err != nil {
		t.Fatalf("repeat Disconnect() error: %v", err)
	}
}

func TestMarkDelivered_RoutesReceiptToSender(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.receipts.deliveryNote = &receipt.DeliveryNote{
		MessageID:   "m-1",
		Sender:      "alice",
		Receiver:    "bob",
		DeliveredAt: time.Now(),
	}

	if err := f.d.MarkDelivered(ctx, "m-1"); err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}

	events, _ := f.queue.DrainAll(ctx, "alice")
	if len(events) != 1 || events[0].Kind != event.KindDeliveryReceipt {
		t.Fatalf("expected delivery receipt for alice, got %v", events)
	}
}

func TestMarkDelivered_RepeatAckIsSilent(t *testing.T) {
	f := newFixture(Config{})

	// nil note means the transition already happened.
	if err := f.d.MarkDelivered(context.Background(), "m-1"); err != nil {
		t.Fatalf("repeat ack should be silent, got: %v", err)
	}
	if f.queue.size("alice") != 0 {
		t.Error("no receipt event expected for a repeat ack")
	}
}

func TestMarkRead_BatchesPerSenderAndResetsUnread(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	f.receipts.readResult = &receipt.ReadResult{
		Notes: []receipt.ReadNote{
			{Sender: "alice", MessageIDs: []string{"m-1", "m-2"}},
			{Sender: "carol", MessageIDs: []string{"m-3"}},
		},
		Conversations: []string{"conv-1", "conv-2"},
	}

	err := f.d.MarkRead(ctx, "bob", receipt.ReadTarget{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}

	if f.queue.size("alice") != 1 || f.queue.size("carol") != 1 {
		t.Errorf("expected one batched receipt per sender, got alice=%d carol=%d",
			f.queue.size("alice"), f.queue.size("carol"))
	}
	f.convs.mu.Lock()
	resets := len(f.convs.resets)
	f.convs.mu.Unlock()
	if resets != 2 {
		t.Errorf("expected 2 unread resets, got %d", resets)
	}
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	f := newFixture(Config{RetryAttempts: 3, RetryBase: time.Millisecond})
	ctx := context.Background()

	f.receipts.failuresLeft = 2
	f.receipts.deliveryNote = &receipt.DeliveryNote{
		MessageID: "m-1", Sender: "alice", Receiver: "bob", DeliveredAt: time.Now(),
	}

	if err := f.d.MarkDelivered(ctx, "m-1"); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if f.receipts.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.receipts.calls)
	}
}

func TestWithRetry_DoesNotRetrySemanticErrors(t *testing.T) {
	f := newFixture(Config{RetryAttempts: 3, RetryBase: time.Millisecond})

	f.receipts.permanentErr = receipt.ErrBadTarget
	err := f.d.MarkRead(context.Background(), "bob", receipt.ReadTarget{})
	if !errors.Is(err, receipt.ErrBadTarget) {
		t.Fatalf("expected ErrBadTarget, got: %v", err)
	}
	if f.receipts.calls != 1 {
		t.Errorf("semantic errors must not be retried, got %d attempts", f.receipts.calls)
	}
}

func TestWithRetry_GivesUpAfterConfiguredAttempts(t *testing.T) {
	f := newFixture(Config{RetryAttempts: 2, RetryBase: time.Millisecond})

	f.receipts.failuresLeft = 10
	if err := f.d.MarkDelivered(context.Background(), "m-1"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if f.receipts.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", f.receipts.calls)
	}
}
