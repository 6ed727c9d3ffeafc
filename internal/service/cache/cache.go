// Package cache implements a bounded in-memory TTL cache with negative
// caching and an optional Redis L2. Two independent instances back search
// results and generated responses.
package cache

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

type entry struct {
	value  *string // nil means negative-cached
	expiry time.Time
}

// Cache distinguishes three result states on Get: a hit with a value, a hit
// on a negative entry (value nil, ok true), and absent (ok false). Eviction
// at capacity is FIFO in insertion order, a deliberate simplicity trade-off.
type Cache struct {
	name     string
	capacity int
	now      Clock

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	rdb *redis.Client // optional L2; nil degrades to memory only
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis mirrors entries into rdb as a durable L2.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// WithClock injects a clock, used by tests.
func WithClock(now Clock) Option {
	return func(c *Cache) { c.now = now }
}

// New constructs a named cache bounded to capacity entries.
func New(name string, capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	c := &Cache{
		name:     name,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*entry, capacity),
		order:    make([]string, 0, capacity),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key derives the cache key: a blake2b-256 digest of the source and the
// normalized query, so case and whitespace variants collapse to one entry.
func Key(source, query string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := blake2b.Sum256([]byte(source + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}

// Get returns (value, true) on a hit, (nil, true) on a negative hit, and
// (nil, false) when absent. Expired entries are evicted lazily. On a memory
// miss the Redis L2 is consulted and, on a hit there, memory is repopulated.
func (c *Cache) Get(ctx context.Context, key string) (*string, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expiry) {
			v := e.value
			c.mu.Unlock()
			return v, true
		}
		c.removeLocked(key)
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil, false
	}
	rk := c.redisKey(key)
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, rk)
	ttlCmd := pipe.PTTL(ctx, rk)
	if _, err := pipe.Exec(ctx); err != nil {
		if err != redis.Nil {
			slog.Warn("cache l2 get failed", slog.String("cache", c.name), slog.Any("error", err))
		}
		return nil, false
	}
	v := decodeL2(getCmd.Val())
	// Repopulated memory entries must never outlive the durable entry, so
	// the memory TTL is clamped to the remaining Redis TTL.
	ttl := repopulateTTL
	if remain := ttlCmd.Val(); remain > 0 && remain < ttl {
		ttl = remain
	}
	c.store(key, v, ttl, false)
	return v, true
}

// Set stores a positive value with the given ttl in memory and, when wired,
// in the Redis L2.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	c.store(key, &value, ttl, true)
	c.mirror(ctx, key, &value, ttl)
}

// SetNegative records a confirmed "no result" with its own (typically
// shorter) ttl, distinguishable from a plain miss.
func (c *Cache) SetNegative(ctx context.Context, key string, ttl time.Duration) {
	c.store(key, nil, ttl, true)
	c.mirror(ctx, key, nil, ttl)
}

// Delete removes key from memory and the L2.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, c.redisKey(key)).Err(); err != nil {
			slog.Warn("cache l2 delete failed", slog.String("cache", c.name), slog.Any("error", err))
		}
	}
}

// Cleanup sweeps every expired entry out of memory and returns the number
// removed. The L2 expires on its own via Redis TTLs.
func (c *Cache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	kept := c.order[:0]
	for _, k := range c.order {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if now.Before(e.expiry) {
			kept = append(kept, k)
			continue
		}
		delete(c.entries, k)
		removed++
	}
	c.order = kept
	return removed
}

// Len reports the number of live in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) store(key string, value *string, ttl time.Duration, fresh bool) {
	if ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = &entry{value: value, expiry: now.Add(ttl)}
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		if fresh {
			slog.Debug("cache evicted oldest entry", slog.String("cache", c.name))
		}
	}
	c.entries[key] = &entry{value: value, expiry: now.Add(ttl)}
	c.order = append(c.order, key)
}

func (c *Cache) mirror(ctx context.Context, key string, value *string, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), encodeL2(value), ttl).Err(); err != nil {
		slog.Warn("cache l2 set failed", slog.String("cache", c.name), slog.Any("error", err))
	}
}

func (c *Cache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) redisKey(key string) string {
	return "cache:" + c.name + ":" + key
}

// The L2 value carries a one-byte marker so a negative entry survives the
// round trip: "-" is negative, "+" prefixes a positive value.
func encodeL2(value *string) string {
	if value == nil {
		return "-"
	}
	return "+" + *value
}

// repopulateTTL bounds how long an entry read back from the L2 stays in
// memory before the L2 is consulted again.
const repopulateTTL = time.Minute

func decodeL2(raw string) *string {
	if raw == "" || raw[0] == '-' {
		return nil
	}
	v := raw[1:]
	return &v
}
