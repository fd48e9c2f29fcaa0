package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"twinupdater/core"
)

// Loader loads the value for key, returning its revision alongside it. A
// loader that finds no entity returns (Entry{Exists: false}, nil); loader
// errors propagate and are never cached (§4.1: "on loader failure, the
// failing future propagates and no entry is cached").
type Loader[V any] func(ctx context.Context, key string) (Entry[V], error)

// LoadingCache is the entity-keyed cache of §4.1: coalesces concurrent
// loads for the same key via golang.org/x/sync/singleflight (already an
// indirect dependency of the teacher's enclosing module), backed by a
// bounded-capacity-with-TTL Cache[Entry[V]] implementation, with an
// explicit reload policy for revision-gated refreshes.
type LoadingCache[V any] struct {
	backend Cache[Entry[V]]
	loader  Loader[V]
	group   singleflight.Group
	ttl     time.Duration
	retryDelay time.Duration
}

// NewLoadingCache wires backend (any Cache[Entry[V]] implementation —
// typically memory- or redis-backed) to loader.
func NewLoadingCache[V any](backend Cache[Entry[V]], loader Loader[V], ttl, retryDelay time.Duration) *LoadingCache[V] {
	return &LoadingCache[V]{backend: backend, loader: loader, ttl: ttl, retryDelay: retryDelay}
}

// Get returns the cached (or freshly loaded) entry for key. requiredRevision
// and invalidate drive the §4.1 reload policy: at most one reload attempt is
// made per call regardless of how stale the result remains afterward.
func (c *LoadingCache[V]) Get(ctx context.Context, key string, requiredRevision int64, invalidate bool) (Entry[V], error) {
	current, err := c.backend.Get(ctx, key)
	hasCurrent := err == nil
	var currentPtr *Entry[V]
	if hasCurrent {
		currentPtr = &current
	}

	if !ShouldReload(currentPtr, requiredRevision, 0, invalidate) {
		return current, nil
	}

	if invalidate {
		_ = c.backend.Delete(ctx, key)
	}
	if c.retryDelay > 0 {
		time.Sleep(c.retryDelay)
	}

	return c.loadOnce(ctx, key)
}

// Invalidate removes key unconditionally, e.g. on invalidateThing/
// invalidatePolicy signals carried in Metadata (§3).
func (c *LoadingCache[V]) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// Peek returns the currently cached entry for key without ever invoking the
// loader, for callers (like enrichment.Facade) that need to branch on
// whether a usable snapshot already exists before deciding how to refresh it.
func (c *LoadingCache[V]) Peek(ctx context.Context, key string) (Entry[V], bool) {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		return Entry[V]{}, false
	}
	return entry, true
}

// Put stores entry for key directly, bypassing the loader — used when the
// caller has already computed a fresher value itself (e.g. by applying
// incremental events to a prior snapshot) and wants the cache to reflect it.
func (c *LoadingCache[V]) Put(ctx context.Context, key string, entry Entry[V]) error {
	return c.backend.Set(ctx, key, entry, c.ttl)
}

// loadOnce coalesces concurrent loads for key into exactly one loader
// invocation (§8's "number of concurrent loader invocations per key is
// exactly 1" invariant).
func (c *LoadingCache[V]) loadOnce(ctx context.Context, key string) (Entry[V], error) {
	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		entry, loadErr := c.loader(ctx, key)
		if loadErr != nil {
			return Entry[V]{}, loadErr
		}
		if setErr := c.backend.Set(ctx, key, entry, c.ttl); setErr != nil {
			core.Warn("failed to cache loaded entry", zap.String("key", key), zap.Error(setErr))
		}
		return entry, nil
	})
	if err != nil {
		return Entry[V]{}, err
	}
	return value.(Entry[V]), nil
}
