// Package redis provides a Redis-backed implementation of storage.Store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/portlink-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. When nil, one is created from
	// RedisAddr.
	Client *redis.Client

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all keys. ENV: PORTLINK_KV_PREFIX
	KeyPrefix string `env:"PORTLINK_KV_PREFIX,default=portlink:kv:"`
}

// Store implements storage.Store using Redis strings.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a new Redis-backed store.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "portlink:kv:"
	}
	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", mapErr(err))
	}
	for i, v := range vals {
		switch tv := v.(type) {
		case string:
			out[keys[i]] = []byte(tv)
		case []byte:
			out[keys[i]] = tv
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range items {
			p.Set(ctx, s.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set keys: %w", mapErr(err))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", mapErr(err))
	}
	return nil
}

// Keys scans every key under the prefix, with the prefix stripped.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// mapErr turns Redis out-of-memory replies into storage.ErrQuotaExceeded.
func mapErr(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", storage.ErrQuotaExceeded, err)
	}
	return err
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)
