// Package redisslot implements slot.Slot on Redis, for hosts where the
// agent runs without a writable local disk.
package redisslot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperengineering/bcmsync/internal/slot"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Config configures the Redis-backed slot.
type Config struct {
	URL              string
	OperationTimeout time.Duration
	Prefix           string
}

// Slot persists slot values as plain Redis strings under a key prefix.
type Slot struct {
	client    redisClient
	opTimeout time.Duration
	prefix    string
}

// New creates a Redis-backed slot.
func New(cfg Config) (*Slot, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis slot url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "bcmsync"
	}

	return &Slot{
		client:    redis.NewClient(opts),
		opTimeout: timeout,
		prefix:    prefix,
	}, nil
}

// Get implements slot.Slot.
func (s *Slot) Get(ctx context.Context, key string) (string, error) {
	innerCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	v, err := s.client.Get(innerCtx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", slot.ErrNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// Set implements slot.Slot. Values never expire.
func (s *Slot) Set(ctx context.Context, key, value string) error {
	innerCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(innerCtx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove implements slot.Slot.
func (s *Slot) Remove(ctx context.Context, key string) error {
	innerCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(innerCtx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Slot) Close() error {
	return s.client.Close()
}

func (s *Slot) key(k string) string {
	return s.prefix + ":" + k
}
