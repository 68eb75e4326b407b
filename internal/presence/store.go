// Package presence tracks which identities are reachable over the push
// channel, across any number of concurrent sessions per identity and any
// number of dispatcher instances. State lives in Redis:
//
//	presence:sess:<identity>  ZSET  member = session id, score = expiry
//	presence:online           ZSET  member = identity,   score = expiry
//
// Liveness is per session: a session that misses its heartbeat window is
// pruned individually, and the identity only goes offline once its session
// set is empty. Every mutation and read prunes expired members first inside
// a Lua script, so callers never observe stale sessions.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessKeyPrefix is the Redis key prefix for per-identity session sets.
	SessKeyPrefix = "presence:sess:"

	// OnlineKey is the global sorted set of currently online identities.
	OnlineKey = "presence:online"

	// DefaultHeartbeatTTL is how long a session stays live without a
	// heartbeat. Live sessions are expected to heartbeat well under this.
	DefaultHeartbeatTTL = 5 * time.Minute
)

// Store manages presence records in Redis.
type Store struct {
	rdb          *redis.Client
	ttl          time.Duration
	openScript   *redis.Script
	closeScript  *redis.Script
	onlineScript *redis.Script
}

// NewStore creates a presence store with the default heartbeat TTL.
func NewStore(rdb *redis.Client) *Store {
	return NewStoreWithTTL(rdb, DefaultHeartbeatTTL)
}

// NewStoreWithTTL creates a presence store with an explicit heartbeat TTL.
func NewStoreWithTTL(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:          rdb,
		ttl:          ttl,
		openScript:   redis.NewScript(openSessionLua),
		closeScript:  redis.NewScript(closeSessionLua),
		onlineScript: redis.NewScript(isOnlineLua),
	}
}

// OpenSession registers a live session for the identity. It returns true if
// this is the identity's first live session (the offline -> online edge).
func (s *Store) OpenSession(ctx context.Context, identity, sessionID string) (bool, error) {
	had, err := s.openScript.Run(ctx, s.rdb,
		[]string{SessKeyPrefix + identity, OnlineKey},
		nowMillis(), s.expiryMillis(), sessionID, identity, s.keyTTLSeconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: open session for %s: %w", identity, err)
	}
	return had == 0, nil
}

// CloseSession removes a session. It returns true if this was the identity's
// last live session (the online -> offline edge). Closing an unknown session
// is a no-op.
func (s *Store) CloseSession(ctx context.Context, identity, sessionID string) (bool, error) {
	remaining, err := s.closeScript.Run(ctx, s.rdb,
		[]string{SessKeyPrefix + identity, OnlineKey},
		nowMillis(), sessionID, identity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: close session for %s: %w", identity, err)
	}
	return remaining == 0, nil
}

// Heartbeat refreshes a session's expiry. An expired session that was
// momentarily pruned is re-added, so a live client never flaps offline just
// because one heartbeat raced the reaper.
func (s *Store) Heartbeat(ctx context.Context, identity, sessionID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, SessKeyPrefix+identity, redis.Z{Score: s.expiryScore(), Member: sessionID})
	pipe.Expire(ctx, SessKeyPrefix+identity, s.ttl+s.ttl/2)
	pipe.ZAdd(ctx, OnlineKey, redis.Z{Score: s.expiryScore(), Member: identity})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: heartbeat for %s: %w", identity, err)
	}
	return nil
}

// IsOnline reports whether the identity has at least one live session.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := s.onlineScript.Run(ctx, s.rdb,
		[]string{SessKeyPrefix + identity, OnlineKey},
		nowMillis(), identity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: is online %s: %w", identity, err)
	}
	return n > 0, nil
}

// LiveSessions returns the identity's live session ids. Expired sessions are
// pruned before the read.
func (s *Store) LiveSessions(ctx context.Context, identity string) ([]string, error) {
	key := SessKeyPrefix + identity
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", nowMillis())
	membersCmd := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: live sessions for %s: %w", identity, err)
	}
	return membersCmd.Val(), nil
}

// BulkIsOnline resolves presence for many identities in a single pipeline.
func (s *Store) BulkIsOnline(ctx context.Context, identities []string) (map[string]bool, error) {
	if len(identities) == 0 {
		return map[string]bool{}, nil
	}

	now := nowMillis()
	pipe := s.rdb.Pipeline()
	cards := make([]*redis.IntCmd, len(identities))
	for i, id := range identities {
		key := SessKeyPrefix + id
		pipe.ZRemRangeByScore(ctx, key, "-inf", now)
		cards[i] = pipe.ZCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: bulk is online: %w", err)
	}

	result := make(map[string]bool, len(identities))
	for i, id := range identities {
		result[id] = cards[i].Val() > 0
	}
	return result, nil
}

// OnlineIdentities returns every identity that currently holds a live
// session, for the online-users listing.
func (s *Store) OnlineIdentities(ctx context.Context) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, OnlineKey, "-inf", nowMillis())
	membersCmd := pipe.ZRange(ctx, OnlineKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: online identities: %w", err)
	}
	return membersCmd.Val(), nil
}

func (s *Store) expiryMillis() string {
	return strconv.FormatInt(time.Now().Add(s.ttl).UnixMilli(), 10)
}

func (s *Store) expiryScore() float64 {
	return float64(time.Now().Add(s.ttl).UnixMilli())
}

func (s *Store) keyTTLSeconds() string {
	// Key-level TTL is a backstop above the per-member expiry so abandoned
	// identity keys do not accumulate.
	return strconv.FormatInt(int64((s.ttl+s.ttl/2).Seconds())+1, 10)
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// openSessionLua prunes expired sessions, records how many remained, then
// adds the new session and marks the identity online. The returned count
// lets the caller detect the offline -> online edge.
const openSessionLua = `
local sess = KEYS[1]
local online = KEYS[2]
local now = ARGV[1]
local expiry = ARGV[2]
local session_id = ARGV[3]
local identity = ARGV[4]
local key_ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', sess, '-inf', now)
local had = redis.call('ZCARD', sess)
redis.call('ZADD', sess, expiry, session_id)
redis.call('EXPIRE', sess, key_ttl)
redis.call('ZADD', online, expiry, identity)
return had
`

// closeSessionLua removes a session, prunes stale ones, and drops the whole
// record plus the online marker when no live sessions remain. Returns the
// number of sessions still live.
const closeSessionLua = `
local sess = KEYS[1]
local online = KEYS[2]
local now = ARGV[1]
local session_id = ARGV[2]
local identity = ARGV[3]

redis.call('ZREM', sess, session_id)
redis.call('ZREMRANGEBYSCORE', sess, '-inf', now)
local remaining = redis.call('ZCARD', sess)
if remaining == 0 then
    redis.call('DEL', sess)
    redis.call('ZREM', online, identity)
end
return remaining
`

// isOnlineLua prunes expired sessions and reconciles the global online set
// before answering.
const isOnlineLua = `
local sess = KEYS[1]
local online = KEYS[2]
local now = ARGV[1]
local identity = ARGV[2]

redis.call('ZREMRANGEBYSCORE', sess, '-inf', now)
local n = redis.call('ZCARD', sess)
if n == 0 then
    redis.call('DEL', sess)
    redis.call('ZREM', online, identity)
end
return n
`
