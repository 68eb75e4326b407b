package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/metrics"
	"github.com/edulink/realtime/internal/receipt"
	"github.com/edulink/realtime/internal/store"
)

// MarkDelivered records first delivery of a message and routes a delivery
// receipt event back to its sender. Repeat acknowledgements and unknown
// message IDs are tolerated silently.
func (d *Dispatcher) MarkDelivered(ctx context.Context, messageID string) error {
	var note *receipt.DeliveryNote
	err := d.withRetry(ctx, func() error {
		var err error
		note, err = d.receipts.MarkDelivered(ctx, messageID)
		return err
	})
	if err != nil {
		return err
	}
	if note == nil {
		return nil
	}

	ev, err := event.New(note.Sender, event.ScopeUser, event.KindDeliveryReceipt, event.DeliveryReceiptPayload{
		MessageID:   note.MessageID,
		Recipient:   note.Receiver,
		DeliveredAt: note.DeliveredAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return d.Publish(ctx, ev)
}

// MarkRead records the reader's read transitions for the target, zeroes the
// reader's unread counters on the touched conversations, and routes one
// batched read receipt event to each affected sender.
func (d *Dispatcher) MarkRead(ctx context.Context, reader string, target receipt.ReadTarget) error {
	var result *receipt.ReadResult
	err := d.withRetry(ctx, func() error {
		var err error
		result, err = d.receipts.MarkRead(ctx, reader, target)
		return err
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	for _, conversationID := range result.Conversations {
		convID := conversationID
		err := d.withRetry(ctx, func() error {
			return d.convs.ResetUnread(ctx, convID, reader)
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	for _, note := range result.Notes {
		payload := event.ReadReceiptPayload{
			Reader:     reader,
			MessageIDs: note.MessageIDs,
		}
		if target.ConversationID != "" {
			payload.ConversationID = target.ConversationID
		}
		ev, err := event.New(note.Sender, event.ScopeUser, event.KindReadReceipt, payload)
		if err != nil {
			return err
		}
		if err := d.Publish(ctx, ev); err != nil {
			log.Printf("[dispatch] read receipt to %s failed: %v", note.Sender, err)
		}
	}
	return nil
}

// withRetry runs op up to the configured number of attempts with doubling
// backoff. Semantic failures (bad targets, missing rows) are returned
// immediately; only transient store errors are retried.
func (d *Dispatcher) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, receipt.ErrBadTarget) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt == d.cfg.RetryAttempts-1 {
			break
		}
		metrics.ReceiptRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.RetryBase << uint(attempt)):
		}
	}
	return err
}
