package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemoryCache implements Cache[T] as a process-local, cost-and-TTL bounded
// cache backed by ristretto. This replaces the teacher's hand-rolled map +
// linear oldest-key scan: ristretto already gives admission-controlled,
// cost-bounded capacity with per-key TTL, which is what §4.1's "bounded
// capacity with TTL" actually asks for.
type MemoryCache[T any] struct {
	store   *ristretto.Cache[string, T]
	options *CacheOptions
}

// NewMemoryCache creates a new MemoryCache instance. options.MaxItems is
// ristretto's MaxCost; each item has a fixed cost of 1, so it is the item
// capacity. Ten times as many counters (NumCounters) are tracked for
// admission. A MaxItems of zero or less means 10000.
func NewMemoryCache[T any](options *CacheOptions) (*MemoryCache[T], error) {
	if options == nil {
		options = DefaultCacheOptions()
	}

	maxItems := int64(options.MaxItems)
	if maxItems <= 0 {
		maxItems = 10000
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, T]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &MemoryCache[T]{store: store, options: options}, nil
}

// Get retrieves a document from the cache.
func (c *MemoryCache[T]) Get(ctx context.Context, key string) (T, error) {
	var empty T
	if c.store == nil {
		return empty, ErrCacheClosed
	}
	value, ok := c.store.Get(key)
	if !ok {
		return empty, ErrCacheMiss
	}
	return value, nil
}

// Set stores a document in the cache with an optional TTL.
func (c *MemoryCache[T]) Set(ctx context.Context, key string, data T, ttl time.Duration) error {
	if c.store == nil {
		return ErrCacheClosed
	}
	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}
	if ttl > 0 {
		c.store.SetWithTTL(key, data, 1, ttl)
	} else {
		c.store.Set(key, data, 1)
	}
	c.store.Wait()
	return nil
}

// Delete removes a document from the cache.
func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	if c.store == nil {
		return ErrCacheClosed
	}
	c.store.Del(key)
	return nil
}

// Clear removes all documents from the cache.
func (c *MemoryCache[T]) Clear(ctx context.Context) error {
	if c.store == nil {
		return ErrCacheClosed
	}
	c.store.Clear()
	return nil
}

// Close closes the cache and releases its resources.
func (c *MemoryCache[T]) Close() error {
	if c.store == nil {
		return nil
	}
	c.store.Close()
	c.store = nil
	return nil
}
