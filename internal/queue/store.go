// Package queue implements the per-recipient pending-event queue backed by
// Redis lists:
//
//	Key:   evq:<identity>
//	Value: JSON-encoded events, oldest at the head
//	TTL:   idle expiry window, refreshed on every enqueue
//
// Queues are bounded: pushing past capacity evicts the oldest entry, never
// the newest. Draining is atomic pop-all, so two concurrent drains never
// return the same event. Delivery is at-most-once, best-effort: a recipient
// that never drains within the idle TTL loses the whole queue.
package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edulink/realtime/internal/event"
	"github.com/edulink/realtime/internal/metrics"
)

const (
	// KeyPrefix is the Redis key prefix for recipient queues.
	KeyPrefix = "evq:"

	// DefaultCapacity is the maximum queue length per recipient.
	DefaultCapacity = 100

	// DefaultIdleTTL is how long a queue survives without writes.
	DefaultIdleTTL = 30 * time.Minute
)

// Store manages bounded recipient queues in Redis.
type Store struct {
	rdb         *redis.Client
	capacity    int
	idleTTL     time.Duration
	drainScript *redis.Script
}

// NewStore creates a queue store with default capacity and idle TTL.
func NewStore(rdb *redis.Client) *Store {
	return NewStoreWith(rdb, DefaultCapacity, DefaultIdleTTL)
}

// NewStoreWith creates a queue store with explicit capacity and idle TTL.
func NewStoreWith(rdb *redis.Client, capacity int, idleTTL time.Duration) *Store {
	return &Store{
		rdb:         rdb,
		capacity:    capacity,
		idleTTL:     idleTTL,
		drainScript: redis.NewScript(drainAllLua),
	}
}

// Enqueue appends an event to the recipient's queue and refreshes the idle
// TTL. If the queue is at capacity the oldest entry is evicted first, so the
// length never exceeds capacity. Enqueue never blocks on a full queue.
func (s *Store) Enqueue(ctx context.Context, recipient string, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}

	key := KeyPrefix + recipient

	// MULTI/EXEC so a concurrent drain sees either the whole write or none
	// of it.
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	lenCmd := pipe.LLen(ctx, key)
	pipe.LTrim(ctx, key, int64(-s.capacity), -1)
	pipe.Expire(ctx, key, s.idleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue for %s: %w", recipient, err)
	}

	if n, err := lenCmd.Result(); err == nil && int(n) > s.capacity {
		dropped := int(n) - s.capacity
		metrics.QueueDrops.Add(float64(dropped))
		log.Printf("[queue] overflow recipient=%s dropped=%d", recipient, dropped)
	}
	return nil
}

// DrainAll atomically removes and returns every pending event for the
// recipient in FIFO order. An empty queue yields an empty slice. Entries
// that fail to decode are logged and skipped rather than poisoning the
// drain.
func (s *Store) DrainAll(ctx context.Context, recipient string) ([]event.Event, error) {
	key := KeyPrefix + recipient

	raw, err := s.drainScript.Run(ctx, s.rdb, []string{key}).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: drain for %s: %w", recipient, err)
	}

	events := make([]event.Event, 0, len(raw))
	for _, item := range raw {
		ev, err := event.Decode([]byte(item))
		if err != nil {
			log.Printf("[queue] skipping undecodable entry recipient=%s: %v", recipient, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// PeekSize returns the number of pending events without consuming them.
func (s *Store) PeekSize(ctx context.Context, recipient string) (int64, error) {
	n, err := s.rdb.LLen(ctx, KeyPrefix+recipient).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: peek for %s: %w", recipient, err)
	}
	return n, nil
}

// Clear discards the recipient's queue entirely.
func (s *Store) Clear(ctx context.Context, recipient string) error {
	if err := s.rdb.Del(ctx, KeyPrefix+recipient).Err(); err != nil {
		return fmt.Errorf("queue: clear for %s: %w", recipient, err)
	}
	return nil
}

// drainAllLua reads and deletes the whole list in one atomic step so that
// concurrent drains on the same recipient cannot both observe an entry.
const drainAllLua = `
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`
