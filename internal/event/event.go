// Package event defines the events delivered to recipients through the
// dispatcher: chat messages, typing signals, delivery/read receipts, and
// broadcast notices. Each kind carries a typed payload so transport
// bindings can switch exhaustively over the closed set.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event payload type.
type Kind string

const (
	KindMessage         Kind = "message"
	KindTyping          Kind = "typing"
	KindReadReceipt     Kind = "read_receipt"
	KindDeliveryReceipt Kind = "delivery_receipt"
	KindNotice          Kind = "notice"
)

// Scope describes who the event is addressed to.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
)

// Event is a single unit of delivery. Immutable once created; the payload
// is the JSON encoding of the kind's payload struct.
type Event struct {
	ID         string          `json:"id"`
	Recipient  string          `json:"recipient"`
	Scope      Scope           `json:"scope"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix milliseconds
}

// MessagePayload carries a newly sent chat message.
type MessagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
	Ts             int64  `json:"ts"`
}

// TypingPayload signals that the sender started or stopped typing.
type TypingPayload struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptPayload tells the original sender which of their messages the
// reader has read. Message ids are batched per sender.
type ReadReceiptPayload struct {
	Reader         string   `json:"reader"`
	MessageIDs     []string `json:"message_ids"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// DeliveryReceiptPayload tells the original sender a message reached its
// recipient.
type DeliveryReceiptPayload struct {
	MessageID   string `json:"message_id"`
	Recipient   string `json:"recipient"`
	DeliveredAt int64  `json:"delivered_at"`
}

// NoticePayload is a broadcast announcement.
type NoticePayload struct {
	Sender string `json:"sender"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body"`
	Ts     int64  `json:"ts"`
}

// New builds an event of the given kind addressed to recipient. The payload
// must be the matching payload struct for the kind.
func New(recipient string, scope Scope, kind Kind, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal %s payload: %w", kind, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Scope:      scope,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UnixMilli(),
	}, nil
}

// Encode serializes the event for queue storage or wire transport.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("event: decode: missing kind")
	}
	return ev, nil
}

// DecodePayload parses the event's payload into its concrete struct. It
// returns an error for kinds outside the closed set, so callers adding a
// kind must handle it everywhere this is switched on.
func DecodePayload(ev Event) (interface{}, error) {
	var (
		out interface{}
		err error
	)
	switch ev.Kind {
	case KindMessage:
		var p MessagePayload
		err = json.Unmarshal(ev.Payload, &p)
		out = p
	case KindTyping:
		var p TypingPayload
		err = json.Unmarshal(ev.Payload, &p)
		out = p
	case KindReadReceipt:
		var p ReadReceiptPayload
		err = json.Unmarshal(ev.Payload, &p)
		out = p
	case KindDeliveryReceipt:
		var p DeliveryReceiptPayload
		err = json.Unmarshal(ev.Payload, &p)
		out = p
	case KindNotice:
		var p NoticePayload
		err = json.Unmarshal(ev.Payload, &p)
		out = p
	default:
		return nil, fmt.Errorf("event: unknown kind %q", ev.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("event: decode %s payload: %w", ev.Kind, err)
	}
	return out, nil
}
