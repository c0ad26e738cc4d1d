package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/meridian-mcp/internal/oauth"
)

// keyPrefix namespaces token records inside a shared Redis instance.
const keyPrefix = "meridian:token:"

// RedisBackend stores token records in Redis with a per-key TTL derived from
// the record's expiry. Durable and visible across instances; Redis expires
// records itself, so the Store runs no sweep for this backend.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the given Redis URL and verifies reachability.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Put(ctx context.Context, id string, record *oauth.TokenRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	ttl := time.Until(record.ExpiresAt) + retentionMargin
	if ttl <= 0 {
		ttl = retentionMargin
	}
	if err := r.client.Set(ctx, keyPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write token record to redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (*oauth.TokenRecord, error) {
	val, err := r.client.Get(ctx, keyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token record from redis: %w", err)
	}

	var record oauth.TokenRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("failed to parse token record: %w", err)
	}
	return &record, nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete token record from redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan token records: %w", err)
	}
	return ids, nil
}

func (r *RedisBackend) Clear(ctx context.Context) error {
	ids, err := r.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisBackend) NativeExpiry() bool { return true }

// Ping verifies Redis connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool. Must be called on shutdown; the client
// holds real sockets that finalization will not reclaim promptly.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
