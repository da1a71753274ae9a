package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// RedisClient is the subset of Redis commands used by Redis. Its method set
// mirrors go-redis v9; wrap a *redis.Client in a thin adapter returning the
// command results as these interfaces.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Get(ctx context.Context, key string) RedisStringCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Keys(ctx context.Context, pattern string) RedisStringSliceCmd
}

// RedisStatusCmd is a status command result.
type RedisStatusCmd interface {
	Err() error
}

// RedisStringCmd is a string command result.
type RedisStringCmd interface {
	Bytes() ([]byte, error)
	Err() error
}

// RedisIntCmd is an integer command result.
type RedisIntCmd interface {
	Err() error
}

// RedisStringSliceCmd is a string-slice command result.
type RedisStringSliceCmd interface {
	Result() ([]string, error)
}

// ErrRedisNil matches redis.Nil from go-redis.
var ErrRedisNil = errors.New("redis: nil")

// Redis stores values under prefixed Redis keys.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	async  bool
	closed atomic.Bool
}

// RedisOption configures Redis.
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix string
	ttl    time.Duration
	async  bool
}

// WithRedisPrefix sets the key prefix. Default: "pulse:store:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// WithRedisTTL expires keys ttl after their last write. Zero (the default)
// keeps them.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(c *redisConfig) {
		c.ttl = ttl
	}
}

// WithRedisSync makes the runtime write synchronously instead of from a
// background goroutine.
func WithRedisSync() RedisOption {
	return func(c *redisConfig) {
		c.async = false
	}
}

// NewRedis creates a backend over client.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	cfg := &redisConfig{
		prefix: "pulse:store:",
		async:  true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Redis{
		client: client,
		prefix: cfg.prefix,
		ttl:    cfg.ttl,
		async:  cfg.async,
	}
}

// Async implements pulse.AsyncStorage.
func (r *Redis) Async() bool {
	return r.async
}

// Prefix returns the key prefix.
func (r *Redis) Prefix() string {
	return r.prefix
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get implements pulse.Storage.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set implements pulse.Storage.
func (r *Redis) Set(ctx context.Context, key string, data []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Set(ctx, r.key(key), data, r.ttl).Err()
}

// Remove implements pulse.Storage.
func (r *Redis) Remove(ctx context.Context, key string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Del(ctx, r.key(key)).Err()
}

// Keys implements Lister. It uses KEYS, which blocks the server; it is meant
// for tooling, not hot paths.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	found, err := r.client.Keys(ctx, escapeGlob(r.key(prefix))+"*").Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(found))
	for _, k := range found {
		keys = append(keys, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the backend closed. The client is left open, since it may be
// shared.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}

func isRedisNil(err error) bool {
	return errors.Is(err, ErrRedisNil) || err.Error() == ErrRedisNil.Error()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
