package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/accountops/internal/core"
)

const keyPrefix = "accountops:report:"

// RedisStore keeps reports in Redis with an expiry, so any replica can serve
// a download.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStoreFromURL connects to redisURL and verifies the connection.
func NewRedisStoreFromURL(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Publish stores r as JSON.
func (s *RedisStore) Publish(ctx context.Context, r core.Report) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+r.ID, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return URLFor(r.ID), nil
}

// Get loads the report stored under id.
func (s *RedisStore) Get(ctx context.Context, id string) (core.Report, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Report{}, ErrNotFound
	}
	if err != nil {
		return core.Report{}, fmt.Errorf("load report: %w", err)
	}

	var r core.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return core.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
