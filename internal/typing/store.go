// Package typing tracks short-lived typing indicators between sender and
// recipient pairs. State is a single Redis key per pair with a short TTL, so
// indicators clear themselves without an explicit stop signal:
//
//	Key: typing:<sender>:<recipient>   TTL: indicator window
//
// An explicit stop deletes the key early and plants a brief suppress marker
// so an in-flight start from the same client does not re-display the
// indicator. Staleness of a few hundred milliseconds is invisible to users,
// so no stronger consistency is attempted.
package typing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for typing indicators.
	KeyPrefix = "typing:"

	// StopPrefix is the Redis key prefix for post-stop suppress markers.
	StopPrefix = "typing:stop:"

	// DefaultTTL is how long an indicator lives without a refresh.
	DefaultTTL = 5 * time.Second

	// suppressTTL is how long an explicit stop suppresses re-display.
	suppressTTL = 2 * time.Second
)

// Store manages typing indicators in Redis.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a typing store with the default indicator TTL.
func NewStore(rdb *redis.Client) *Store {
	return NewStoreWithTTL(rdb, DefaultTTL)
}

// NewStoreWithTTL creates a typing store with an explicit indicator TTL.
func NewStoreWithTTL(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Start sets or refreshes the typing indicator for the pair. If the sender
// explicitly stopped within the suppress window, the start is ignored so a
// racing refresh cannot resurrect a dismissed indicator.
func (s *Store) Start(ctx context.Context, sender, recipient string) error {
	suppressed, err := s.rdb.Exists(ctx, pairKey(StopPrefix, sender, recipient)).Result()
	if err != nil {
		return fmt.Errorf("typing: start %s->%s: %w", sender, recipient, err)
	}
	if suppressed > 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, pairKey(KeyPrefix, sender, recipient), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("typing: start %s->%s: %w", sender, recipient, err)
	}
	return nil
}

// Stop clears the indicator early and suppresses re-display briefly.
func (s *Store) Stop(ctx context.Context, sender, recipient string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, pairKey(KeyPrefix, sender, recipient))
	pipe.Set(ctx, pairKey(StopPrefix, sender, recipient), "1", suppressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: stop %s->%s: %w", sender, recipient, err)
	}
	return nil
}

// IsTyping reports whether the sender currently shows as typing to the
// recipient.
func (s *Store) IsTyping(ctx context.Context, sender, recipient string) (bool, error) {
	n, err := s.rdb.Exists(ctx, pairKey(KeyPrefix, sender, recipient)).Result()
	if err != nil {
		return false, fmt.Errorf("typing: check %s->%s: %w", sender, recipient, err)
	}
	return n > 0, nil
}

func pairKey(prefix, sender, recipient string) string {
	return prefix + sender + ":" + recipient
}
