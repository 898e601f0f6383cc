// Package kv is the persistence layer: a redis-backed store for trade
// state, cooldowns, locks and snapshots, with an in-memory fallback
// that keeps the process alive through store outages.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trinity/internal/config"
	"trinity/internal/core"
	apperrors "trinity/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements core.IKVStore on go-redis. All keys are
// namespaced with the configured prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger core.ILogger
}

// NewRedisStore builds the client. It does not dial; call Ping to
// verify connectivity.
func NewRedisStore(cfg config.KVConfig, logger core.ILogger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: string(cfg.Password),
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.WithField("component", "kv_redis"),
	}
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX is the lock primitive: atomic set-if-absent with expiry.
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys scans by prefix using SCAN, never KEYS, so a large trade history
// cannot stall the store. Returned keys are stripped of the store
// prefix.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Connect returns a redis-backed store when the server answers a ping
// within the timeout, otherwise the in-memory fallback. Fallback mode
// loses crash recovery, which is why it logs so loudly.
func Connect(ctx context.Context, cfg config.KVConfig, logger core.ILogger) core.IKVStore {
	store := NewRedisStore(cfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("KV store unreachable, falling back to in-memory mode: trade state will NOT survive a restart",
			"addr", cfg.Addr, "error", err)
		_ = store.Close()
		return NewMemoryStore(logger)
	}

	logger.Info("Connected to KV store", "addr", cfg.Addr, "prefix", cfg.Prefix)
	return store
}
