package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisClient adapts a go-redis client to the RedisClient interface.
type GoRedisClient struct {
	rdb *redis.Client
}

// NewGoRedisClient connects to Redis at addr and verifies the connection.
func NewGoRedisClient(ctx context.Context, addr, password string, db int) (*GoRedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &GoRedisClient{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}

// Get returns the value at key, or ok=false when the key is missing.
func (c *GoRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value at key with the given expiration.
func (c *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes the given keys.
func (c *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire resets the expiration of key to ttl from now.
func (c *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Scan returns all keys matching the glob pattern using incremental SCAN,
// so large keyspaces are enumerated without blocking the server.
func (c *GoRedisClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
