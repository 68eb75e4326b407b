package typing

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis and clears leftover test typing
// keys. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{KeyPrefix + "test_*", StopPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStoreWithTTL(client, ttl)
}

func TestStartAndAutoExpiry(t *testing.T) {
	store := newTestStore(t, 200*time.Millisecond)
	ctx := context.Background()

	if err := store.Start(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	typing, err := store.IsTyping(ctx, "test_a", "test_b")
	if err != nil {
		t.Fatalf("IsTyping() error: %v", err)
	}
	if !typing {
		t.Error("indicator should be visible immediately after start")
	}

	// Directionality: the reverse pair is not typing.
	typing, _ = store.IsTyping(ctx, "test_b", "test_a")
	if typing {
		t.Error("reverse direction should not show as typing")
	}

	time.Sleep(300 * time.Millisecond)
	typing, _ = store.IsTyping(ctx, "test_a", "test_b")
	if typing {
		t.Error("indicator should expire without a refresh")
	}
}

func TestStart_RefreshesTTL(t *testing.T) {
	store := newTestStore(t, 200*time.Millisecond)
	ctx := context.Background()

	if err := store.Start(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if err := store.Start(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Start() refresh error: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	typing, _ := store.IsTyping(ctx, "test_a", "test_b")
	if !typing {
		t.Error("refreshed indicator should still be visible")
	}
}

func TestStop_ClearsEarlyAndSuppresses(t *testing.T) {
	store := newTestStore(t, DefaultTTL)
	ctx := context.Background()

	if err := store.Start(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := store.Stop(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	typing, _ := store.IsTyping(ctx, "test_a", "test_b")
	if typing {
		t.Error("stop should clear the indicator before its TTL")
	}

	// A start racing in right after the stop is suppressed.
	if err := store.Start(ctx, "test_a", "test_b"); err != nil {
		t.Fatalf("Start() after stop error: %v", err)
	}
	typing, _ = store.IsTyping(ctx, "test_a", "test_b")
	if typing {
		t.Error("start within the suppress window should not re-display")
	}
}
