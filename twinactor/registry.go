// Package twinactor implements the per-twin update task of §4.7: one
// cooperative state machine per twin id, coordinating recovery, event
// stashing, persistence handoff, retry, and shutdown.
package twinactor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"twinupdater/model"
)

// activityRecord tracks when a twin's actor was last touched, so the
// registry can find idle actors to evict in O(log n) instead of scanning
// every entry on a ticker. Grounded on the teacher's cache/access_tracker.go
// AccessHeap, narrowed from a recency+frequency hotness score (which ranked
// items to keep hot) to a plain min-heap by LastAccessed (which ranks items
// to evict once they've been idle past updater.idleTimeout, §6).
type activityRecord struct {
	twinId       model.TwinId
	lastAccessed time.Time
	index        int
}

type activityHeap []*activityRecord

func (h activityHeap) Len() int { return len(h) }
func (h activityHeap) Less(i, j int) bool {
	return h[i].lastAccessed.Before(h[j].lastAccessed)
}
func (h activityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *activityHeap) Push(x interface{}) {
	rec := x.(*activityRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}
func (h *activityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}

// Registry owns the lifecycle of one Actor per twin id: lazy creation on
// first reference, idle-timeout eviction, and explicit shutdown draining.
// Grounded on the teacher's storage_impl.go StorageImpl.subscribers
// map[int64]*Subscriber[T] guarded by subMu, generalized from "one
// subscriber goroutine per change-stream watcher" to "one actor goroutine
// per twin id".
type Registry struct {
	mu      sync.Mutex
	actors  map[model.TwinId]*Actor
	records map[model.TwinId]*activityRecord
	heap    activityHeap

	idleTimeout time.Duration
	newActor    func(model.TwinId) *Actor

	closed bool
}

// NewRegistry returns a Registry that creates actors with newActor and
// evicts them after idleTimeout of inactivity.
func NewRegistry(idleTimeout time.Duration, newActor func(model.TwinId) *Actor) *Registry {
	r := &Registry{
		actors:      make(map[model.TwinId]*Actor),
		records:     make(map[model.TwinId]*activityRecord),
		idleTimeout: idleTimeout,
		newActor:    newActor,
	}
	heap.Init(&r.heap)
	return r
}

// Get returns the actor for twinId, creating it lazily on first reference.
func (r *Registry) Get(twinId model.TwinId) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, model.ErrShuttingDown
	}

	actor, ok := r.actors[twinId]
	if !ok {
		actor = r.newActor(twinId)
		r.actors[twinId] = actor
	}
	r.touchLocked(twinId)
	return actor, nil
}

func (r *Registry) touchLocked(twinId model.TwinId) {
	now := time.Now()
	if rec, ok := r.records[twinId]; ok {
		rec.lastAccessed = now
		heap.Fix(&r.heap, rec.index)
		return
	}
	rec := &activityRecord{twinId: twinId, lastAccessed: now}
	r.records[twinId] = rec
	heap.Push(&r.heap, rec)
}

// SweepIdle evicts and returns the actors whose twins have been idle longer
// than idleTimeout (§4.7's "updater.idleTimeout: duration"). Callers are
// responsible for calling Shutdown on each returned actor — SweepIdle only
// decides membership and removes it from the registry under lock,
// consistent with the teacher's pattern of locking only around map/heap
// mutation, not I/O; it hands the actor reference back rather than just the
// twin id, since once removed from r.actors it could not be found again.
func (r *Registry) SweepIdle(now time.Time) []*Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Actor
	for r.heap.Len() > 0 {
		oldest := r.heap[0]
		if now.Sub(oldest.lastAccessed) < r.idleTimeout {
			break
		}
		heap.Pop(&r.heap)
		delete(r.records, oldest.twinId)
		if actor, ok := r.actors[oldest.twinId]; ok {
			evicted = append(evicted, actor)
		}
		delete(r.actors, oldest.twinId)
	}
	return evicted
}

// Shutdown drains every registered actor cooperatively, per §4.7's
// ShuttingDown state, and marks the registry closed to new Get calls.
func (r *Registry) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
			defer cancel()
			a.Shutdown(drainCtx)
		}(a)
	}
	wg.Wait()
}

// Len reports how many actors are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
