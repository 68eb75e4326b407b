package dispatch

import (
	"context"
	"time"

	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/metrics"
)

// PollOnce performs one bounded-wait poll for the recipient: it drains the
// queue immediately if events are pending, otherwise re-checks every
// checkInterval until maxWait elapses. A timeout returns an empty slice and
// no error; queue read failures fail fast so the caller can re-poll.
// Non-positive durations fall back to the configured defaults. Cancelling
// ctx unwinds the wait with ctx's error.
func (d *Dispatcher) PollOnce(ctx context.Context, recipient string, maxWait, checkInterval time.Duration) ([]event.Event, error) {
	if maxWait <= 0 {
		maxWait = d.cfg.PollMaxWait
	}
	if checkInterval <= 0 {
		checkInterval = d.cfg.PollInterval
	}

	start := time.Now()
	defer func() {
		metrics.PollWait.Observe(time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		n, err := d.queues.PeekSize(ctx, recipient)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			events, err := d.queues.DrainAll(ctx, recipient)
			if err != nil {
				return nil, err
			}
			// An empty drain after a non-empty peek means a concurrent
			// poller won the race; keep waiting for fresh events.
			if len(events) > 0 {
				return events, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return []event.Event{}, nil
		case <-ticker.C:
		}
	}
}
