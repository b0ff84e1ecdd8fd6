// Package cache implements the Client-Request Cache of spec.md §4.4: a
// memoized-request helper with both a TTL and a hard size bound, used for
// profile/state/event reads by Intent (spec.md §4.1) and elsewhere.
//
// The value store is github.com/dgraph-io/ristretto (a direct dependency of
// the teacher repository, grounded on internal/caching/cache_space_rooms.go's
// wrapper style), but ristretto's own TinyLFU eviction is probabilistic: it
// cannot guarantee which entry survives an overflow. spec.md §8 requires a
// deterministic "drop the oldest inserted entry" boundary behavior, so a
// small insertion-order index (container/list, stdlib) sits in front of
// ristretto and drives eviction explicitly; ristretto still does the actual
// value storage, concurrent access and TTL expiry bookkeeping.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Producer is invoked on a cache miss. It must never return (nil, nil): per
// spec.md §4.4, a cache "never caches undefined" — a producer returning a
// nil value with a nil error is treated as a miss that is not cached.
type Producer func(ctx context.Context, key string, args ...interface{}) (interface{}, error)

type entry struct {
	key         string
	insertedAt  time.Time
	listElement *list.Element
}

// Cache is a TTL+size-bounded memoized-request cache.
type Cache struct {
	mu       sync.Mutex
	store    *ristretto.Cache
	order    *list.List // front = oldest inserted
	entries  map[string]*entry
	ttl      time.Duration
	maxSize  int
}

// New constructs a Cache with the given TTL and maximum entry count.
func New(ttl time.Duration, maxSize int) (*Cache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxSize) * 10,
		MaxCost:     int64(maxSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:   store,
		order:   list.New(),
		entries: make(map[string]*entry),
		ttl:     ttl,
		maxSize: maxSize,
	}, nil
}

// Get returns the cached value for key if present and not expired,
// otherwise invokes producer, stores the result (unless nil, nil) and
// returns it.
func (c *Cache) Get(ctx context.Context, key string, producer Producer, args ...interface{}) (interface{}, error) {
	if v, ok := c.peek(key); ok {
		return v, nil
	}
	value, err := producer(ctx, key, args...)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	c.put(key, value)
	return value, nil
}

func (c *Cache) peek(key string) (interface{}, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		c.removeLocked(key)
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()
	return c.store.Get(key)
}

func (c *Cache) put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.order.Remove(existing.listElement)
		delete(c.entries, key)
		c.store.Del(key)
	}
	for c.maxSize > 0 && len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(string))
	}
	el := c.order.PushBack(key)
	c.entries[key] = &entry{key: key, insertedAt: time.Now(), listElement: el}
	c.store.SetWithTTL(key, value, 1, c.ttl)
	c.store.Wait()
}

// removeLocked removes key from both indices. Caller must hold c.mu.
func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.listElement)
		delete(c.entries, key)
	}
	c.store.Del(key)
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the current number of live entries (test/debug helper).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
