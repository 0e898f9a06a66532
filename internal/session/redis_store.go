package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// RedisClient is the interface for the Redis operations needed by the
// session store. It abstracts the actual Redis client library.
type RedisClient interface {
	// Get returns the value at key, or ok=false when the key is missing.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value at key with the given expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Expire resets the expiration of key to ttl from now.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan returns all keys matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// RedisStore implements Store on a shared Redis cache. It is suitable for
// multiple concurrent server instances and survives process restarts.
// Expiration is enforced by Redis itself; enumeration uses a pattern scan
// and may lag concurrent writes and expirations.
type RedisStore struct {
	client RedisClient
	prefix string

	// refreshTTL, when positive, is the window re-applied when an entry
	// is read, so reads count as access for sliding expiration.
	refreshTTL time.Duration

	listGroup singleflight.Group
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the key prefix for session entries.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithReadRefresh sets the expiration window re-applied on reads.
// A zero or negative value disables read refresh.
func WithReadRefresh(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.refreshTTL = ttl }
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: KeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

// Get retrieves the blob for a conversation. When read refresh is
// configured the expiration window is reset best-effort; a failed refresh
// does not fail the read.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (string, bool, error) {
	blob, ok, err := s.client.Get(ctx, s.key(conversationID))
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	if s.refreshTTL > 0 {
		_ = s.client.Expire(ctx, s.key(conversationID), s.refreshTTL)
	}
	return blob, true, nil
}

// Set upserts the blob and resets its expiration window to ttl from now.
func (s *RedisStore) Set(ctx context.Context, conversationID, blob string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(conversationID), blob, ttl); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the entry for a conversation. Missing entries are a no-op.
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ListKeys enumerates live conversation IDs with a pattern scan.
// Concurrent callers share a single scan: listing is informational, so one
// result can serve every caller that arrived while the scan ran. The scan
// runs detached from any single caller's cancellation, and each caller
// gets its own copy of the result.
func (s *RedisStore) ListKeys(ctx context.Context) ([]string, error) {
	scanCtx := context.WithoutCancel(ctx)
	v, err, _ := s.listGroup.Do("list", func() (interface{}, error) {
		keys, err := s.client.Scan(scanCtx, s.prefix+"*")
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		ids := make([]string, 0, len(keys))
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, s.prefix))
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}
