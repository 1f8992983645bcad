package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"oidcclient/state"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long an abandoned entry may linger even if no sweep
	// runs. Zero means no expiration.
	TTL time.Duration
}

// Redis stores states in Redis under a key prefix.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ state.Store = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Set stores a value.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	r.logger.Debug("redis store set", "key", key)
	if err := r.rdb.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get loads a value; a missing key is not an error.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	r.logger.Debug("redis store get", "key", key)
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Remove atomically reads and deletes a value.
func (r *Redis) Remove(ctx context.Context, key string) (string, bool, error) {
	r.logger.Debug("redis store remove", "key", key)
	v, err := r.rdb.GetDel(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis remove %q: %w", key, err)
	}
	return v, true, nil
}

// GetAllKeys scans the prefix and returns the unprefixed keys, sorted.
func (r *Redis) GetAllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
