package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edulink/realtime/internal/event"
)

func TestPollOnce_ReturnsImmediatelyWhenEventsPending(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "x"})
	f.queue.Enqueue(ctx, "bob", ev)

	start := time.Now()
	events, err := f.d.PollOnce(ctx, "bob", time.Second, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("pending events should return immediately, waited %v", elapsed)
	}
}

func TestPollOnce_TimesOutWithEmptySlice(t *testing.T) {
	f := newFixture(Config{})

	start := time.Now()
	events, err := f.d.PollOnce(context.Background(), "bob", 250*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("timeout must return empty non-nil slice, got %v", events)
	}
	elapsed := time.Since(start)
	if elapsed < 250*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Errorf("expected ~250ms wait, got %v", elapsed)
	}
}

func TestPollOnce_PicksUpEventsPublishedMidWait(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	go func() {
		time.Sleep(120 * time.Millisecond)
		ev, _ := event.New("bob", event.ScopeUser, event.KindNotice, event.NoticePayload{Body: "late"})
		f.queue.Enqueue(ctx, "bob", ev)
	}()

	events, err := f.d.PollOnce(ctx, "bob", 2*time.Second, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the mid-wait event, got %d", len(events))
	}
}

func TestPollOnce_CancelUnwindsWait(t *testing.T) {
	f := newFixture(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.d.PollOnce(ctx, "bob", 5*time.Second, 30*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel should unwind promptly, took %v", elapsed)
	}
}

func TestPollOnce_ReadErrorFailsFast(t *testing.T) {
	f := newFixture(Config{})
	f.queue.peekErr = errors.New("redis gone")

	start := time.Now()
	_, err := f.d.PollOnce(context.Background(), "bob", 5*time.Second, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected queue read error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("read errors must fail fast, took %v", elapsed)
	}
}

func TestPollOnce_DefaultsWhenDurationsNonPositive(t *testing.T) {
	f := newFixture(Config{PollMaxWait: 150 * time.Millisecond, PollInterval: 40 * time.Millisecond})

	start := time.Now()
	events, err := f.d.PollOnce(context.Background(), "bob", 0, 0)
	if err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected timeout with no events, got %d", len(events))
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("expected configured default wait ~150ms, got %v", elapsed)
	}
}
