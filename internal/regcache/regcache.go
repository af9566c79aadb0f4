// Package regcache wraps an internal/registry.Client with an optional
// Redis-backed cache, so repeated builds against the same wishlist don't
// re-hit the upstream JSON API for packages already resolved before.
package regcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bilusteknoloji/wheelmirror/internal/registry"
)

const (
	defaultKeyPrefix = "wheelmirror:release:"
	defaultTTL       = 24 * time.Hour
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeyPrefix overrides the default Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.keyPrefix = prefix
		}
	}
}

// WithTTL overrides the default cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache decorates a registry.Client with a Redis-backed lookaside cache.
// It is itself a registry.Client, so it can be substituted anywhere a
// plain registry client is used.
//
// A Cache with no Redis URL configured degrades to a pure pass-through to
// the wrapped client — caching here is a performance optimization only,
// never load-bearing for correctness.
type Cache struct {
	inner     registry.Client
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

var _ registry.Client = (*Cache)(nil)

// New wraps inner with a Redis cache. If redisURL is empty or fails to
// parse, the returned Cache passes every call straight through to inner.
func New(inner registry.Client, redisURL string, opts ...Option) *Cache {
	c := &Cache{
		inner:     inner,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTTL,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if redisURL == "" {
		return c
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		c.logger.Warn("invalid redis URL, registry cache disabled", slog.String("error", err.Error()))
		return c
	}

	c.client = redis.NewClient(opt)

	return c
}

func (c *Cache) enabled() bool { return c.client != nil }

func (c *Cache) key(name, version string) string {
	if version == "" {
		version = "latest"
	}

	return c.keyPrefix + name + "@" + version
}

// FetchRelease returns a cached release if present, otherwise fetches it
// from inner and stores the result before returning.
func (c *Cache) FetchRelease(ctx context.Context, name, version string) (*registry.Release, error) {
	if !c.enabled() {
		return c.inner.FetchRelease(ctx, name, version)
	}

	key := c.key(name, version)

	if cached, ok := c.get(ctx, key); ok {
		return cached, nil
	}

	release, err := c.inner.FetchRelease(ctx, name, version)
	if err != nil {
		return nil, err
	}

	c.set(ctx, key, release)

	return release, nil
}

// FetchDependencies returns the raw Requires-Dist strings, routed through
// the same cached FetchRelease path as FetchRelease itself.
func (c *Cache) FetchDependencies(ctx context.Context, name, version string) ([]string, error) {
	release, err := c.FetchRelease(ctx, name, version)
	if err != nil {
		return nil, err
	}

	return release.RequiresDist, nil
}

func (c *Cache) get(ctx context.Context, key string) (*registry.Release, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("registry cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		}

		return nil, false
	}

	var release registry.Release
	if err := json.Unmarshal([]byte(val), &release); err != nil {
		c.logger.Debug("registry cache decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	}

	return &release, true
}

func (c *Cache) set(ctx context.Context, key string, release *registry.Release) {
	data, err := json.Marshal(release)
	if err != nil {
		c.logger.Debug("registry cache encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Debug("registry cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
