package twinactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinupdater/model"
)

func newTestRegistry(idleTimeout time.Duration) (*Registry, *recordingBackend) {
	backend := &recordingBackend{}
	registry := NewRegistry(idleTimeout, func(twinId model.TwinId) *Actor {
		return NewActor(twinId, backend, 16, 3, 10*time.Millisecond)
	})
	return registry, backend
}

func TestRegistry_GetCreatesActorLazilyOnFirstReference(t *testing.T) {
	registry, _ := newTestRegistry(time.Hour)
	assert.Equal(t, 0, registry.Len())

	actor, err := registry.Get("ns:t1")
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, 1, registry.Len())

	again, err := registry.Get("ns:t1")
	require.NoError(t, err)
	assert.Same(t, actor, again, "the same twin id must return the same actor")
}

func TestRegistry_SweepIdleEvictsPastIdleTimeoutAndShutsDownActor(t *testing.T) {
	registry, _ := newTestRegistry(10 * time.Millisecond)
	actor, err := registry.Get("ns:t1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)
	waitForState(t, actor, StateReady, time.Second)

	time.Sleep(20 * time.Millisecond)
	evicted := registry.SweepIdle(time.Now())
	require.Len(t, evicted, 1)
	assert.Equal(t, 0, registry.Len())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	evicted[0].Shutdown(shutdownCtx)
	waitForState(t, evicted[0], StateShuttingDown, time.Second)
}

func TestRegistry_SweepIdleKeepsRecentlyTouchedActors(t *testing.T) {
	registry, _ := newTestRegistry(time.Hour)
	_, err := registry.Get("ns:t1")
	require.NoError(t, err)

	evicted := registry.SweepIdle(time.Now())
	assert.Empty(t, evicted)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistry_ShutdownDrainsAllActorsAndClosesToNewGets(t *testing.T) {
	registry, _ := newTestRegistry(time.Hour)
	actor, err := registry.Get("ns:t1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)
	waitForState(t, actor, StateReady, time.Second)

	registry.Shutdown(context.Background(), time.Second)
	waitForState(t, actor, StateShuttingDown, time.Second)

	_, err = registry.Get("ns:t2")
	assert.ErrorIs(t, err, model.ErrShuttingDown)
}
