// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeMarkRead    = "mark_read"
	TypeDelivered   = "delivered"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeHelloAck        = "hello_ack"
	TypeMessage         = "message"
	TypeServerTyping    = "typing"
	TypeReadReceipt     = "read_receipt"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeNotice          = "notice"
	TypePresence        = "presence"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg is sent by the client to deliver a text message to another
// identity.
type SendMessageMsg struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing to the given
// recipient.
type TypingMsg struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	IsTyping  bool   `json:"is_typing"`
}

// MarkReadMsg reports which messages the client has read. Exactly one of
// MessageIDs, ConversationID, or Sender should be set.
type MarkReadMsg struct {
	Type           string   `json:"type"`
	MessageIDs     []string `json:"message_ids,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Sender         string   `json:"sender,omitempty"`
}

// DeliveredMsg acknowledges that a pushed message reached the client.
type DeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// PingMsg is a client-initiated keepalive ping. It also refreshes the
// session's presence liveness.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HelloAckMsg is sent by the server right after the connection is
// established. It carries the session id and the client's unread/online
// overview so the UI can render badges before any event arrives.
type HelloAckMsg struct {
	Type        string         `json:"type"`
	SessionID   string         `json:"session_id"`
	UnreadTotal int            `json:"unread_total"`
	Unread      map[string]int `json:"unread"`
	OnlineCount int            `json:"online_count"`
}

// ServerMessageMsg relays a chat message to its recipient.
type ServerMessageMsg struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
	Ts             int64  `json:"ts"`
}

// ServerTypingMsg relays a typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptMsg tells the original sender which messages the reader read.
type ReadReceiptMsg struct {
	Type           string   `json:"type"`
	Reader         string   `json:"reader"`
	MessageIDs     []string `json:"message_ids"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// DeliveryReceiptMsg tells the original sender a message reached its
// recipient.
type DeliveryReceiptMsg struct {
	Type        string `json:"type"`
	MessageID   string `json:"message_id"`
	Recipient   string `json:"recipient"`
	DeliveredAt int64  `json:"delivered_at"`
}

// NoticeMsg is a broadcast announcement.
type NoticeMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body"`
	Ts     int64  `json:"ts"`
}

// PresenceMsg announces that an identity went online or offline.
type PresenceMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	Ts       int64  `json:"ts"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelivered:
		var m DeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
