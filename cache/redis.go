package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "comics:aggregate:"

// Redis is a shared cache tier for deployments running several aggregator
// processes. Expiry is delegated to Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedis wraps client as a Store whose entries live for ttl.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Get returns the payload for key. Transport and decode failures are logged
// and treated as misses.
func (r *Redis) Get(ctx context.Context, key string) (*models.AggregateResult, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis cache get failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}

	var payload models.AggregateResult
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("redis cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return &payload, true
}

// Set stores payload under key with the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, payload *models.AggregateResult) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// TTL reports the remaining lifetime of key as Redis sees it. A key without
// an expiry, or a failed lookup, reports an unknown lifetime.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := r.client.PTTL(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		slog.Warn("redis cache ttl failed", slog.String("key", key), slog.Any("error", err))
		return 0, false
	}
	switch {
	case d > 0:
		return d, true
	case d == -2:
		// key is gone
		return 0, true
	default:
		return 0, false
	}
}
