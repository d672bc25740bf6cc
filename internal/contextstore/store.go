// Package contextstore implements the per-message correlation context: a
// keyed scratchpad threaded through the rules of one message's pipeline,
// plus process-crossing shared counters, both backed by Redis.
//
// Per-message keys expire with the message lifetime; shared keys carry
// their own, longer TTL and support atomic increment. Every failure of
// the backend is surfaced as ErrContextTimeout so that callers re-enqueue
// the message instead of failing the pipeline.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContextTimeout reports a transient failure of the context backend.
// Callers are expected to put the message back on the retry queue.
var ErrContextTimeout = errors.New("context store unavailable")

// commands is the slice of the Redis API the store relies on. *redis.Client
// satisfies it; tests substitute a fake.
type commands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Store is the correlation context backend.
type Store struct {
	rdb       commands
	msgTTL    time.Duration
	sharedTTL time.Duration
}

// New builds a Store over an established Redis client. msgTTL bounds the
// lifetime of per-message keys, sharedTTL that of shared keys.
func New(rdb *redis.Client, msgTTL, sharedTTL time.Duration) *Store {
	return newStore(rdb, msgTTL, sharedTTL)
}

func newStore(rdb commands, msgTTL, sharedTTL time.Duration) *Store {
	return &Store{rdb: rdb, msgTTL: msgTTL, sharedTTL: sharedTTL}
}

func msgKey(id, key string) string { return "context:" + id + ":" + key }
func indexKey(id string) string    { return "context:" + id + ":__keys__" }
func sharedKey(key string) string  { return "shared:" + key }

// Set stores a per-message value under the given key. The value is JSON
// encoded; the key index of the message is updated so Expire can drop it.
func (s *Store) Set(ctx context.Context, id, key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("context set %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, msgKey(id, key), buf, s.msgTTL).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrContextTimeout, key, err)
	}
	if err := s.rdb.SAdd(ctx, indexKey(id), key).Err(); err != nil {
		return fmt.Errorf("%w: index %q: %v", ErrContextTimeout, key, err)
	}
	// Keep the index on the same clock as the keys it tracks.
	if err := s.rdb.Expire(ctx, indexKey(id), s.msgTTL).Err(); err != nil {
		return fmt.Errorf("%w: index ttl: %v", ErrContextTimeout, err)
	}
	return nil
}

// Get fetches a per-message value into out. It returns false when the key
// is absent, in which case out is left untouched.
func (s *Store) Get(ctx context.Context, id, key string, out interface{}) (bool, error) {
	raw, err := s.rdb.Get(ctx, msgKey(id, key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %q: %v", ErrContextTimeout, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("context get %q: %w", key, err)
	}
	return true, nil
}

// Expire drops every per-message key of the given message id.
func (s *Store) Expire(ctx context.Context, id string) error {
	keys, err := s.rdb.SMembers(ctx, indexKey(id)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: expire index: %v", ErrContextTimeout, err)
	}
	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, msgKey(id, k))
	}
	del = append(del, indexKey(id))
	if err := s.rdb.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("%w: expire: %v", ErrContextTimeout, err)
	}
	return nil
}

// SetShared stores a value in the shared scope, independent of any message.
func (s *Store) SetShared(ctx context.Context, key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("context set shared %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, sharedKey(key), buf, s.sharedTTL).Err(); err != nil {
		return fmt.Errorf("%w: set shared %q: %v", ErrContextTimeout, key, err)
	}
	return nil
}

// GetShared fetches a shared value into out; false when absent.
func (s *Store) GetShared(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := s.rdb.Get(ctx, sharedKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get shared %q: %v", ErrContextTimeout, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("context get shared %q: %w", key, err)
	}
	return true, nil
}

// IncrShared atomically increments a shared counter and refreshes its TTL.
// A missing key counts from zero.
func (s *Store) IncrShared(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, sharedKey(key), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr shared %q: %v", ErrContextTimeout, key, err)
	}
	if err := s.rdb.Expire(ctx, sharedKey(key), s.sharedTTL).Err(); err != nil {
		return 0, fmt.Errorf("%w: incr shared ttl: %v", ErrContextTimeout, err)
	}
	return n, nil
}

// OpenAggrKey is the shared key tracking the currently open correlated
// event for a supervised item (0 when there is none).
func OpenAggrKey(idSupItem int64) string {
	return fmt.Sprintf("open_aggr:%d", idSupItem)
}
