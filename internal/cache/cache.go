// Package cache is the read-through entity cache: TTL entries for single-record reads and TTL-less
// per-user record indexes, persisted in the KV store behind an in-memory LRU.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/singleflight"

	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/storage"
)

const (
	prefix         = "cache"
	defaultHotSize = 1024
)

// Entry is the persisted form of a cached value. A zero TTL never expires.
type Entry[T any] struct {
	Key       string        `json:"key"`
	Value     T             `json:"value"`
	WrittenAt time.Time     `json:"written_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still valid at now.
func (e Entry[T]) Fresh(now time.Time) bool {
	return e.TTL <= 0 || now.Sub(e.WrittenAt) < e.TTL
}

// Cache stores entries under "cache/<key>" in the KV store.
type Cache struct {
	kv     storage.KV
	hot    *lru.Cache[string, []byte]
	group  singleflight.Group
	mu     sync.Mutex
	gens   map[string]uint64
	purges uint64
	now    func() time.Time
	logger *slog.Logger
	size   int
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }
func WithHotSize(n int) Option         { return func(c *Cache) { c.size = n } }
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a cache over kv.
func New(kv storage.KV, opts ...Option) (*Cache, error) {
	c := &Cache{kv: kv, now: time.Now, logger: logging.Discard(), size: defaultHotSize, gens: make(map[string]uint64)}
	for _, opt := range opts {
		opt(c)
	}
	hot, err := lru.New[string, []byte](c.size)
	if err != nil {
		return nil, fmt.Errorf("hot cache: %w", err)
	}
	c.hot = hot
	c.logger = c.logger.With("component", "cache")
	return c, nil
}

func storeKey(key string) string { return storage.Key(prefix, key) }

type stamp struct{ key, purge uint64 }

func (c *Cache) stamp(key string) stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stamp{key: c.gens[key], purge: c.purges}
}

func (c *Cache) bump(key string) {
	c.mu.Lock()
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

func (c *Cache) raw(ctx context.Context, key string) ([]byte, bool, error) {
	if b, ok := c.hot.Get(key); ok {
		return b, true, nil
	}
	b, ok, err := c.kv.Get(ctx, storeKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	c.hot.Add(key, b)
	return b, true, nil
}

// Get returns the entry under key regardless of freshness.
func Get[T any](ctx context.Context, c *Cache, key string) (Entry[T], bool, error) {
	var e Entry[T]
	b, ok, err := c.raw(ctx, key)
	if err != nil || !ok {
		return e, false, err
	}
	if err := sonnet.Unmarshal(b, &e); err != nil {
		return e, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return e, true, nil
}

// Put writes value under key with ttl.
func Put[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	e := Entry[T]{Key: key, Value: value, WrittenAt: c.now().UTC(), TTL: ttl}
	b, err := sonnet.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.kv.Set(ctx, storeKey(key), b); err != nil {
		c.hot.Remove(key)
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	c.hot.Add(key, b)
	return nil
}

// ReadThrough returns the fresh value under key, loading and storing it otherwise. Concurrent loads
// of one key share a single call. A load that overlaps an Invalidate of its key is returned to its
// callers but not stored. When the load fails and an expired entry exists, the stale value is
// returned without error.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	entry, ok, err := Get[T](ctx, c, key)
	if err != nil {
		c.logger.Warn("cache read failed; loading", "key", key, "err", err)
		ok = false
	}
	if ok && entry.Fresh(c.now()) {
		return entry.Value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		before := c.stamp(key)
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		// held across Put so an Invalidate either precedes the check or removes what Put wrote
		c.mu.Lock()
		defer c.mu.Unlock()
		if (stamp{key: c.gens[key], purge: c.purges}) != before {
			c.logger.Debug("key invalidated during load; not storing", "key", key)
			return val, nil
		}
		if perr := Put(ctx, c, key, val, ttl); perr != nil {
			c.logger.Warn("cache write failed", "key", key, "err", perr)
		}
		return val, nil
	})
	if err != nil {
		if ok {
			c.logger.Warn("serving stale entry", "key", key, "age", c.now().Sub(entry.WrittenAt).String(), "err", err)
			return entry.Value, nil
		}
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate removes the given keys so the next read reloads them. Loads of these keys already in
// flight are not stored.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.bump(k)
		c.hot.Remove(k)
		if err := c.kv.Remove(ctx, storeKey(k)); err != nil {
			return fmt.Errorf("invalidate %s: %w", k, err)
		}
	}
	return nil
}

// Purge empties the in-memory layer only. Loads in flight are not stored.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.purges++
	c.mu.Unlock()
	c.hot.Purge()
}
