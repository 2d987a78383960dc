// Package cache holds short-lived counters and tokens: the project creation
// rate limiter and the OAuth state store. Redis backs them when enabled so
// several server processes share state; otherwise they live in memory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"cdk/internal/config"
)

// ErrStateNotFound is returned when an OAuth state is unknown or expired.
var ErrStateNotFound = errors.New("state not found")

// Limiter counts events per key within a fixed window.
type Limiter interface {
	// Allow records one event for key and reports whether the count is still
	// within max for the current window.
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// StateStore keeps one-time values such as OAuth state tokens.
type StateStore interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns and removes the value; ErrStateNotFound when absent.
	Take(ctx context.Context, key string) (string, error)
}

// Store bundles both concerns behind one backend.
type Store interface {
	Limiter
	StateStore
	Close() error
}

// New returns a Redis store when cfg enables it, a memory store otherwise.
func New(ctx context.Context, cfg config.RedisConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	log.WithField("addr", cfg.Addr).Info("redis cache connected")
	return NewRedis(client, cfg.Prefix), nil
}

// Redis is a go-redis backed Store.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	k := r.key(key)
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, window).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(max), nil
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Take(ctx context.Context, key string) (string, error) {
	v, err := r.client.GetDel(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateNotFound
	}
	return v, err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
