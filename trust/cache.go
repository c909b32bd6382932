package trust

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/redis/go-redis/v9"
)

// Cache holds boolean answers keyed by string.
type Cache interface {
	// Get returns the cached value and whether one was present.
	Get(ctx context.Context, key string) (value bool, ok bool, err error)
	// Set stores value, replacing any present one.
	Set(ctx context.Context, key string, value bool, ttl time.Duration) error
	// Add stores value only when no unexpired value is present.
	Add(ctx context.Context, key string, value bool, ttl time.Duration) error
}

func encode(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// RedisCache stores answers in redis as "1" or "0".
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache returns a cache using rdb. Keys are prefixed with prefix.
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// DialRedis connects to a single redis server and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.WrapPrefix(err, "redis ping "+addr, 0)
	}
	return rdb, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (bool, bool, error) {
	v, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Wrap(err, 0)
	}
	return v == "1", true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value bool, ttl time.Duration) error {
	return errors.MaybeWrap(c.rdb.Set(ctx, c.prefix+key, encode(value), ttl).Err(), 0)
}

func (c *RedisCache) Add(ctx context.Context, key string, value bool, ttl time.Duration) error {
	return errors.MaybeWrap(c.rdb.SetNX(ctx, c.prefix+key, encode(value), ttl).Err(), 0)
}

// MemoryCache is a process local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   bool
	expires time.Time // zero means no expiry
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	return e.value, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, ttl)
	return nil
}

func (c *MemoryCache) Add(ctx context.Context, key string, value bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); !ok {
		c.store(key, value, ttl)
	}
	return nil
}

// lookup returns the unexpired entry for key. c.mu must be held.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) store(key string, value bool, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
}
