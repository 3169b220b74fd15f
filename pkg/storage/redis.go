package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/flagsync/internal/validation"
)

const driverRedis = "redis"

// Redis stores each slot as a plain string key. A positive ttl expires slots
// that were not rewritten in time.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an initialized client. It panics if client is nil.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	validation.AssertNotNil(client, "redis client")
	return &Redis{client: client, ttl: max(ttl, 0)}
}

// Get implements platform.Storage.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		observe(driverRedis, opGet, nil)
		return "", false, nil
	}
	observe(driverRedis, opGet, err)
	if err != nil {
		return "", false, fmt.Errorf("failed to read slot %q from redis: %w", key, err)
	}
	return v, true, nil
}

// Set implements platform.Storage.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	err := r.client.Set(ctx, key, value, r.ttl).Err()
	observe(driverRedis, opSet, err)
	if err != nil {
		return fmt.Errorf("failed to write slot %q to redis: %w", key, err)
	}
	return nil
}

// Clear implements platform.Storage.
func (r *Redis) Clear(ctx context.Context, key string) error {
	err := r.client.Del(ctx, key).Err()
	observe(driverRedis, opClear, err)
	if err != nil {
		return fmt.Errorf("failed to clear slot %q in redis: %w", key, err)
	}
	return nil
}

// Close terminates the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Name returns the checker name.
func (r *Redis) Name() string {
	return driverRedis
}

// Check verifies the connection using Ping.
func (r *Redis) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
