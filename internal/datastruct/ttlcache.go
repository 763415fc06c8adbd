package datastruct

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

type ttlCacheItem[T any] struct {
	value     T
	expiresAt time.Time
}

func (i ttlCacheItem[T]) isExpired() bool {
	if i.expiresAt.IsZero() {
		return false
	}

	return time.Now().After(i.expiresAt)
}

type ttlCacheShard[T any] struct {
	items map[string]ttlCacheItem[T]
	mu    sync.RWMutex
}

// TTLCache is a sharded, generic TTL cache. Sharding keeps lock
// contention low when many connection handlers hit it concurrently.
type TTLCache[T any] struct {
	shards []*ttlCacheShard[T]
}

// NewTTLCache creates a sharded TTL cache with a background janitor
// goroutine that evicts expired items every cleanupInterval.
func NewTTLCache[T any](numShards uint64, cleanupInterval time.Duration) *TTLCache[T] {
	if numShards == 0 {
		panic(fmt.Errorf("ttlcache: numShards must be greater than 0"))
	}

	c := &TTLCache[T]{
		shards: make([]*ttlCacheShard[T], numShards),
	}

	for i := uint64(0); i < numShards; i++ {
		c.shards[i] = &ttlCacheShard[T]{
			items: make(map[string]ttlCacheItem[T]),
		}
	}

	go c.janitor(cleanupInterval)

	return c
}

func (c *TTLCache[T]) getShard(key string) *ttlCacheShard[T] {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))

	return c.shards[hasher.Sum64()%uint64(len(c.shards))]
}

// Set adds an item, replacing any existing one. A zero or negative ttl
// means the item never expires.
func (c *TTLCache[T]) Set(key string, value T, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	shard := c.getShard(key)

	shard.mu.Lock()
	shard.items[key] = ttlCacheItem[T]{value: value, expiresAt: expiresAt}
	shard.mu.Unlock()
}

// Get returns the item for key if present and not expired.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	shard := c.getShard(key)

	shard.mu.RLock()
	item, ok := shard.items[key]
	shard.mu.RUnlock()

	if !ok || item.isExpired() {
		var zero T
		return zero, false
	}

	return item.value, true
}

func (c *TTLCache[T]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		for _, shard := range c.shards {
			shard.mu.Lock()
			for key, item := range shard.items {
				if item.isExpired() {
					delete(shard.items, key)
				}
			}
			shard.mu.Unlock()
		}
	}
}
