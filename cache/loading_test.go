package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadingCache_CoalescesConcurrentLoads(t *testing.T) {
	backend, err := NewMemoryCache[Entry[string]](nil)
	require.NoError(t, err)
	defer backend.Close()

	var calls int64
	var wg sync.WaitGroup
	wg.Add(1)
	loader := func(ctx context.Context, key string) (Entry[string], error) {
		atomic.AddInt64(&calls, 1)
		wg.Wait() // hold every concurrent caller in the same loader invocation
		return Entry[string]{Exists: true, Revision: 1, Value: "v"}, nil
	}

	lc := NewLoadingCache[string](backend, loader, time.Hour, 0)

	const n = 20
	results := make([]Entry[string], n)
	var inner sync.WaitGroup
	inner.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer inner.Done()
			e, err := lc.Get(context.Background(), "k", 0, false)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	wg.Done()
	inner.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "exactly one loader invocation per key")
	for _, r := range results {
		assert.Equal(t, "v", r.Value)
	}
}

func TestLoadingCache_ReloadsOnRevisionBehind(t *testing.T) {
	backend, err := NewMemoryCache[Entry[string]](nil)
	require.NoError(t, err)
	defer backend.Close()

	var calls int64
	loader := func(ctx context.Context, key string) (Entry[string], error) {
		n := atomic.AddInt64(&calls, 1)
		return Entry[string]{Exists: true, Revision: n, Value: "v"}, nil
	}
	lc := NewLoadingCache[string](backend, loader, time.Hour, 0)

	first, err := lc.Get(context.Background(), "k", 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Revision)

	second, err := lc.Get(context.Background(), "k", 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.Revision, "cached entry already satisfies requiredRevision")

	third, err := lc.Get(context.Background(), "k", 2, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, third.Revision, "stale entry triggers exactly one reload")
}

func TestLoadingCache_LoaderFailurePropagatesAndDoesNotCache(t *testing.T) {
	backend, err := NewMemoryCache[Entry[string]](nil)
	require.NoError(t, err)
	defer backend.Close()

	boom := assert.AnError
	lc := NewLoadingCache[string](backend, func(ctx context.Context, key string) (Entry[string], error) {
		return Entry[string]{}, boom
	}, time.Hour, 0)

	_, err = lc.Get(context.Background(), "k", 0, false)
	assert.ErrorIs(t, err, boom)

	_, getErr := backend.Get(context.Background(), "k")
	assert.Equal(t, ErrCacheMiss, getErr, "failed loads must not populate the cache")
}
