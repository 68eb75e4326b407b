// Package httpapi exposes the pull face and command endpoints over HTTP.
// Every endpoint except /health is authenticated by bearer token; the
// handler resolves the token to an identity and the identity is always the
// acting party (a caller can only poll, read, or disconnect itself).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/edulink/realtime/internal/auth"
	"github.com/edulink/realtime/internal/conversation"
	"github.com/edulink/realtime/internal/dispatch"
	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/ratelimit"
	"github.com/edulink/realtime/internal/receipt"
	"github.com/edulink/realtime/internal/store"
)

// Core is the dispatcher surface the HTTP layer drives.
type Core interface {
	SendMessage(ctx context.Context, sender, recipient, text string) (event.Event, error)
	StartTyping(ctx context.Context, sender, recipient string) error
	StopTyping(ctx context.Context, sender, recipient string) error
	Broadcast(ctx context.Context, sender string, recipients []string, title, body string) (int, error)
	PollOnce(ctx context.Context, recipient string, maxWait, checkInterval time.Duration) ([]event.Event, error)
	MarkRead(ctx context.Context, reader string, target receipt.ReadTarget) error
	MarkDelivered(ctx context.Context, messageID string) error
	UnreadSummary(ctx context.Context, identity string) (*conversation.Summary, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	Disconnect(ctx context.Context, identity string) error
}

// RateLimiter is the subset of the Redis limiter the handlers use. A nil
// limiter disables throttling (used in tests).
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

const (
	// MaxPollTimeout caps the client-requested poll wait so a handler
	// never outlives the server's write timeout.
	MaxPollTimeout = 30 * time.Second

	defaultPollTimeout = 5500 * time.Millisecond
)

// Handler serves the HTTP API.
type Handler struct {
	core    Core
	resolve func(token string) (string, error)
	limiter RateLimiter
}

// NewHandler creates a Handler over the given core, credential resolver,
// and optional rate limiter.
func NewHandler(core Core, resolve func(token string) (string, error), limiter RateLimiter) *Handler {
	return &Handler{core: core, resolve: resolve, limiter: limiter}
}

// Routes returns the HTTP mux with all endpoints mounted.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.requireAuth(h.handlePublish))
	mux.HandleFunc("/events/poll", h.requireAuth(h.handlePoll))
	mux.HandleFunc("/notices", h.requireAuth(h.handleBroadcast))
	mux.HandleFunc("/read", h.requireAuth(h.handleMarkRead))
	mux.HandleFunc("/delivered", h.requireAuth(h.handleMarkDelivered))
	mux.HandleFunc("/unread", h.requireAuth(h.handleUnread))
	mux.HandleFunc("/online", h.requireAuth(h.handleOnline))
	mux.HandleFunc("/disconnect", h.requireAuth(h.handleDisconnect))
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// requireAuth resolves the bearer token to an identity and passes it to the
// wrapped handler. Unresolvable credentials get 401 with no side effects.
func (h *Handler) requireAuth(next func(w http.ResponseWriter, r *http.Request, identity string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		identity, err := h.resolve(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r, identity)
	}
}

// allow applies the rate limit rule for the identity. It writes the 429
// response itself and reports whether the request may proceed.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, identity string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(r.Context(), identity, rule)
	if err != nil {
		// Limiter fails open; the error was already logged there.
		return true
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

type publishRequest struct {
	Recipient string          `json:"recipient"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type noticeBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// handlePublish accepts a new event from the authenticated sender. Message
// kinds go through the durable send path; typing kinds are fire-and-forget.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.allow(w, r, identity, ratelimit.RulePublish) {
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	switch event.Kind(req.Kind) {
	case event.KindMessage:
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil || body.Text == "" {
			writeError(w, http.StatusBadRequest, "message payload requires text")
			return
		}
		ev, err := h.core.SendMessage(r.Context(), identity, req.Recipient, body.Text)
		if err != nil {
			h.writeCoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"event_id": ev.ID})

	case event.KindTyping:
		var body typingRequest
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid typing payload")
			return
		}
		var err error
		if body.IsTyping {
			err = h.core.StartTyping(r.Context(), identity, req.Recipient)
		} else {
			err = h.core.StopTyping(r.Context(), identity, req.Recipient)
		}
		if err != nil {
			h.writeCoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case event.KindNotice:
		var body noticeBody
		if err := json.Unmarshal(req.Payload, &body); err != nil || body.Body == "" {
			writeError(w, http.StatusBadRequest, "notice payload requires body")
			return
		}
		if _, err := h.core.Broadcast(r.Context(), identity, []string{req.Recipient}, body.Title, body.Body); err != nil {
			h.writeCoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		writeError(w, http.StatusBadRequest, "unsupported event kind")
	}
}

// handlePoll is the bounded-wait pull face. The optional timeout parameter
// is clamped to MaxPollTimeout; an exhausted wait returns an empty events
// array, never an error.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.allow(w, r, identity, ratelimit.RulePoll) {
		return
	}

	timeout := defaultPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		if d > MaxPollTimeout {
			d = MaxPollTimeout
		}
		timeout = d
	}

	events, err := h.core.PollOnce(r.Context(), identity, timeout, 0)
	if err != nil {
		// The client going away mid-wait is not a server error.
		if errors.Is(err, context.Canceled) {
			return
		}
		h.writeCoreError(w, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type broadcastRequest struct {
	Recipients []string `json:"recipients"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
}

// handleBroadcast publishes a notice to a list of recipients.
func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.allow(w, r, identity, ratelimit.RulePublish) {
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 || req.Body == "" {
		writeError(w, http.StatusBadRequest, "recipients and body are required")
		return
	}

	published, err := h.core.Broadcast(r.Context(), identity, req.Recipients, req.Title, req.Body)
	if err != nil {
		h.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"published": published})
}

type markReadRequest struct {
	MessageIDs     []string `json:"message_ids"`
	ConversationID string   `json:"conversation_id"`
	Sender         string   `json:"sender"`
}

// handleMarkRead applies read transitions for the authenticated reader.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := receipt.ReadTarget{
		MessageIDs:     req.MessageIDs,
		ConversationID: req.ConversationID,
		SenderID:       req.Sender,
	}
	if err := h.core.MarkRead(r.Context(), identity, target); err != nil {
		h.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markDeliveredRequest struct {
	MessageID string `json:"message_id"`
}

// handleMarkDelivered acknowledges that a polled message reached the client.
func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req markDeliveredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if err := h.core.MarkDelivered(r.Context(), req.MessageID); err != nil {
		h.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnread returns the authenticated identity's unread overview.
func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	summary, err := h.core.UnreadSummary(r.Context(), identity)
	if err != nil {
		h.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleOnline lists every identity with at least one live push session.
func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	online, err := h.core.OnlineUsers(r.Context())
	if err != nil {
		h.writeCoreError(w, err)
		return
	}
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, online)
}

// handleDisconnect tears down the identity's sessions and queue. Idempotent.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request, identity string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.core.Disconnect(r.Context(), identity); err != nil {
		h.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCoreError maps core errors to HTTP statuses.
func (h *Handler) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, receipt.ErrBadTarget):
		writeError(w, http.StatusBadRequest, "exactly one read target must be set")
	case errors.Is(err, dispatch.ErrSelfRecipient):
		writeError(w, http.StatusBadRequest, "recipient must differ from sender")
	default:
		log.Printf("[httpapi] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
