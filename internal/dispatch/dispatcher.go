// Package dispatch is the integration point between producers and the two
// delivery faces. It owns no state of its own: events always land in the
// recipient's queue, and recipients with live push sessions additionally get
// an immediate fan-out over NATS. The queue copy is the authoritative
// fallback for polling clients that missed the push.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/edulink/realtime/internal/conversation"
	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/metrics"
	"github.com/edulink/realtime/internal/receipt"
)

// EventQueue is the per-recipient pending-event store.
type EventQueue interface {
	Enqueue(ctx context.Context, recipient string, ev event.Event) error
	DrainAll(ctx context.Context, recipient string) ([]event.Event, error)
	PeekSize(ctx context.Context, recipient string) (int64, error)
	Clear(ctx context.Context, recipient string) error
}

// Presence tracks live push sessions per identity.
type Presence interface {
	OpenSession(ctx context.Context, identity, sessionID string) (bool, error)
	CloseSession(ctx context.Context, identity, sessionID string) (bool, error)
	Heartbeat(ctx context.Context, identity, sessionID string) error
	IsOnline(ctx context.Context, identity string) (bool, error)
	LiveSessions(ctx context.Context, identity string) ([]string, error)
	BulkIsOnline(ctx context.Context, identities []string) (map[string]bool, error)
	OnlineIdentities(ctx context.Context) ([]string, error)
}

// TypingSignals is the fire-and-forget typing indicator store.
type TypingSignals interface {
	Start(ctx context.Context, sender, recipient string) error
	Stop(ctx context.Context, sender, recipient string) error
	IsTyping(ctx context.Context, sender, recipient string) (bool, error)
}

// Receipts applies delivery/read transitions on durable messages.
type Receipts interface {
	MarkDelivered(ctx context.Context, messageID string) (*receipt.DeliveryNote, error)
	MarkRead(ctx context.Context, reader string, target receipt.ReadTarget) (*receipt.ReadResult, error)
}

// Conversations maintains unread counters and last-activity metadata.
type Conversations interface {
	GetOrCreate(ctx context.Context, a, b string) (*conversation.Conversation, error)
	RecordNewMessage(ctx context.Context, conversationID, sender, eventID string) error
	ResetUnread(ctx context.Context, conversationID, reader string) error
	UnreadSummary(ctx context.Context, identity string) (*conversation.Summary, error)
}

// Messages is the durable message store insert path.
type Messages interface {
	InsertMessage(ctx context.Context, conversationID, sender, receiver, payload string) (string, error)
}

// ErrSelfRecipient is returned when a message names its own sender as the
// recipient. Conversations exist between two distinct identities.
var ErrSelfRecipient = errors.New("dispatch: recipient must differ from sender")

// Pusher fans events out to live sessions across dispatcher instances.
type Pusher interface {
	PublishEvent(identity string, data []byte) error
	PublishPresence(data []byte) error
}

// Config holds dispatcher tuning parameters.
type Config struct {
	PollMaxWait   time.Duration // default bounded-wait for PollOnce
	PollInterval  time.Duration // queue check cadence during a poll
	RetryAttempts int           // receipt write attempts before giving up
	RetryBase     time.Duration // first retry backoff, doubled per attempt
}

// DefaultConfig returns the reference dispatcher settings.
func DefaultConfig() Config {
	return Config{
		PollMaxWait:   5500 * time.Millisecond,
		PollInterval:  300 * time.Millisecond,
		RetryAttempts: 3,
		RetryBase:     100 * time.Millisecond,
	}
}

// Dispatcher routes events between producers and the pull/push faces.
type Dispatcher struct {
	cfg      Config
	queues   EventQueue
	presence Presence
	typing   TypingSignals
	receipts Receipts
	convs    Conversations
	messages Messages
	pusher   Pusher
}

// New creates a Dispatcher over the given collaborators.
func New(cfg Config, queues EventQueue, presence Presence, typing TypingSignals,
	receipts Receipts, convs Conversations, messages Messages, pusher Pusher) *Dispatcher {
	if cfg.PollMaxWait <= 0 {
		cfg.PollMaxWait = DefaultConfig().PollMaxWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	return &Dispatcher{
		cfg:      cfg,
		queues:   queues,
		presence: presence,
		typing:   typing,
		receipts: receipts,
		convs:    convs,
		messages: messages,
		pusher:   pusher,
	}
}

// Publish enqueues the event for its recipient and, if the recipient holds
// live push sessions, additionally fans it out immediately. The enqueue
// always happens; push failures are logged, never escalated, and never roll
// back the queue copy.
func (d *Dispatcher) Publish(ctx context.Context, ev event.Event) error {
	if err := d.queues.Enqueue(ctx, ev.Recipient, ev); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	d.pushLive(ctx, ev)
	return nil
}

// pushLive sends the event to the recipient's live sessions, best-effort.
func (d *Dispatcher) pushLive(ctx context.Context, ev event.Event) {
	online, err := d.presence.IsOnline(ctx, ev.Recipient)
	if err != nil {
		log.Printf("[dispatch] presence check failed recipient=%s: %v (queue copy remains)", ev.Recipient, err)
		return
	}
	if !online {
		return
	}

	data, err := event.Encode(ev)
	if err != nil {
		log.Printf("[dispatch] encode for push failed recipient=%s kind=%s: %v", ev.Recipient, ev.Kind, err)
		return
	}
	if err := d.pusher.PublishEvent(ev.Recipient, data); err != nil {
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		log.Printf("[dispatch] push failed recipient=%s kind=%s: %v (queue copy remains)", ev.Recipient, ev.Kind, err)
		return
	}
	metrics.PushesTotal.WithLabelValues("ok").Inc()
}

// SendMessage persists a message, updates the conversation aggregate, and
// publishes the message event to the recipient.
func (d *Dispatcher) SendMessage(ctx context.Context, sender, recipient, text string) (event.Event, error) {
	if sender == recipient {
		return event.Event{}, ErrSelfRecipient
	}

	conv, err := d.convs.GetOrCreate(ctx, sender, recipient)
	if err != nil {
		return event.Event{}, err
	}

	msgID, err := d.messages.InsertMessage(ctx, conv.ID, sender, recipient, text)
	if err != nil {
		return event.Event{}, err
	}

	ev, err := event.New(recipient, event.ScopeUser, event.KindMessage, event.MessagePayload{
		MessageID:      msgID,
		ConversationID: conv.ID,
		Sender:         sender,
		Text:           text,
		Ts:             time.Now().UnixMilli(),
	})
	if err != nil {
		return event.Event{}, err
	}

	if err := d.convs.RecordNewMessage(ctx, conv.ID, sender, ev.ID); err != nil {
		return event.Event{}, err
	}
	if err := d.Publish(ctx, ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// Broadcast publishes a notice to each listed recipient. Delivery failures
// to individual recipients are logged and skipped; the returned count is how
// many publishes succeeded.
func (d *Dispatcher) Broadcast(ctx context.Context, sender string, recipients []string, title, body string) (int, error) {
	published := 0
	for _, recipient := range recipients {
		ev, err := event.New(recipient, event.ScopeGroup, event.KindNotice, event.NoticePayload{
			Sender: sender,
			Title:  title,
			Body:   body,
			Ts:     time.Now().UnixMilli(),
		})
		if err != nil {
			return published, err
		}
		if err := d.Publish(ctx, ev); err != nil {
			log.Printf("[dispatch] broadcast to %s failed: %v", recipient, err)
			continue
		}
		published++
	}
	return published, nil
}

// StartTyping records the indicator and pushes it to the recipient's live
// sessions only. Typing signals are never queued: a stale indicator drained
// minutes later would be misleading, so offline recipients simply miss it.
func (d *Dispatcher) StartTyping(ctx context.Context, sender, recipient string) error {
	if err := d.typing.Start(ctx, sender, recipient); err != nil {
		return err
	}
	d.pushTyping(ctx, sender, recipient, true)
	return nil
}

// StopTyping clears the indicator early and pushes the stop signal.
func (d *Dispatcher) StopTyping(ctx context.Context, sender, recipient string) error {
	if err := d.typing.Stop(ctx, sender, recipient); err != nil {
		return err
	}
	d.pushTyping(ctx, sender, recipient, false)
	return nil
}

func (d *Dispatcher) pushTyping(ctx context.Context, sender, recipient string, isTyping bool) {
	online, err := d.presence.IsOnline(ctx, recipient)
	if err != nil || !online {
		return
	}
	ev, err := event.New(recipient, event.ScopeUser, event.KindTyping, event.TypingPayload{
		Sender:   sender,
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	data, err := event.Encode(ev)
	if err != nil {
		return
	}
	if err := d.pusher.PublishEvent(recipient, data); err != nil {
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		log.Printf("[dispatch] typing push failed recipient=%s: %v", recipient, err)
		return
	}
	metrics.PushesTotal.WithLabelValues("ok").Inc()
}

// PresenceChange is the payload broadcast on online/offline edges.
type PresenceChange struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	Ts       int64  `json:"ts"`
}

// OpenPushSession registers a push session and broadcasts the online edge
// when it is the identity's first live session.
func (d *Dispatcher) OpenPushSession(ctx context.Context, identity, sessionID string) error {
	first, err := d.presence.OpenSession(ctx, identity, sessionID)
	if err != nil {
		return err
	}
	if first {
		d.broadcastPresence(identity, true)
	}
	return nil
}

// ClosePushSession removes a push session and broadcasts the offline edge
// when it was the identity's last live session. Idempotent.
func (d *Dispatcher) ClosePushSession(ctx context.Context, identity, sessionID string) error {
	last, err := d.presence.CloseSession(ctx, identity, sessionID)
	if err != nil {
		return err
	}
	if last {
		d.broadcastPresence(identity, false)
	}
	return nil
}

// Heartbeat refreshes a push session's liveness.
func (d *Dispatcher) Heartbeat(ctx context.Context, identity, sessionID string) error {
	return d.presence.Heartbeat(ctx, identity, sessionID)
}

// Disconnect tears down every live session for the identity and discards
// its queue. Idempotent: disconnecting an identity with no state is a no-op.
func (d *Dispatcher) Disconnect(ctx context.Context, identity string) error {
	sessions, err := d.presence.LiveSessions(ctx, identity)
	if err != nil {
		return err
	}
	for _, sessionID := range sessions {
		if err := d.ClosePushSession(ctx, identity, sessionID); err != nil {
			log.Printf("[dispatch] disconnect close session=%s identity=%s: %v", sessionID, identity, err)
		}
	}
	return d.queues.Clear(ctx, identity)
}

// UnreadSummary returns the identity's unread totals.
func (d *Dispatcher) UnreadSummary(ctx context.Context, identity string) (*conversation.Summary, error) {
	return d.convs.UnreadSummary(ctx, identity)
}

// OnlineUsers lists every identity with at least one live push session.
func (d *Dispatcher) OnlineUsers(ctx context.Context) ([]string, error) {
	return d.presence.OnlineIdentities(ctx)
}

func (d *Dispatcher) broadcastPresence(identity string, online bool) {
	data, err := json.Marshal(PresenceChange{
		Identity: identity,
		Online:   online,
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := d.pusher.PublishPresence(data); err != nil {
		log.Printf("[dispatch] presence broadcast failed identity=%s online=%v: %v", identity, online, err)
	}
}
