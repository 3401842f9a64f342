// Package redis implements the production store backend on a networked Redis
// instance. Redis is the authority for atomicity of individual key writes and
// supports native per-key expiry, so pending-payment TTLs need no emulation
// here — SET with an expiration and the server does the rest.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recipegate/recipegate/internal/config"
	"github.com/recipegate/recipegate/internal/store"
)

func init() {
	store.Register("redis", func(cfg *config.Config) (store.Store, error) {
		return New(&cfg.Store.Redis)
	})
}

// scanBatchSize is the COUNT hint passed to SCAN. It bounds per-iteration
// work on the server; it is not a result limit.
const scanBatchSize = 100

// RedisStore implements store.Store over a go-redis client.
type RedisStore struct {
	client *goredis.Client
}

// New connects to Redis and verifies the connection with a bounded ping so a
// misconfigured address fails at startup rather than on first request.
func New(cfg *config.RedisStoreConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connecting to redis at %s: %v", store.ErrUnavailable, cfg.Addr, err)
	}

	return &RedisStore{client: client}, nil
}

// NewWithClient wraps an existing client; used by the rate limiter wiring and
// by tests.
func NewWithClient(client *goredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection for components that share it
// (e.g. Redis-backed rate limiting).
func (s *RedisStore) Client() *goredis.Client {
	return s.client
}

// Put writes value under key, with native server-side expiry when ttl > 0.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: SET %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the value for key, ErrNotFound if absent or expired.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: GET %s: %v", store.ErrUnavailable, key, err)
	}
	return val, nil
}

// Delete removes key. Redis treats deleting an absent key as a no-op, which
// matches the Store contract.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: DEL %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// ListKeys enumerates keys matching prefix using cursor-based SCAN, never
// KEYS, so enumeration cannot block the server on large keyspaces.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	// SCAN MATCH uses glob syntax; escape glob metacharacters that may appear
	// in a literal key prefix.
	pattern := globEscape(prefix) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: SCAN %s: %v", store.ErrUnavailable, pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, k)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}
