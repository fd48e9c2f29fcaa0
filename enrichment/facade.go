// Package enrichment implements the signal enrichment facade of spec.md
// §4.3: a cached, incrementally-updated view of a twin's current JSON,
// falling back to a full fetch whenever incremental application cannot be
// trusted.
package enrichment

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"twinupdater/cache"
	"twinupdater/core"
	"twinupdater/model"
)

// ErrFetchSkipped is returned by RetrieveThing when the twin's document
// could not be fetched at all (a transient loader error, not a missing
// entity) — the caller must treat this as "skip this twin for now and
// retry later" (spec.md §4.3/§4.4), never as "the twin is gone".
var ErrFetchSkipped = errors.New("enrichment: fetch failed, twin skipped")

// ThingFetcher is the external collaborator that performs a full,
// authoritative fetch of a twin — the "sudoRetrieveThing" outbound
// interface of spec.md §6, declared out of this pipeline's scope.
type ThingFetcher interface {
	FetchThing(ctx context.Context, twinId model.TwinId) (*model.Twin, error)
}

// Facade is grounded on the teacher's storage_impl.go FindOne: check the
// cache first, fall through to the source of truth on a miss, and write the
// result back. Here the "miss" condition is broader than cache absence — an
// expectedRevision the cached snapshot cannot reach by applying knownEvents
// also forces the fallback.
type Facade struct {
	loading *cache.LoadingCache[*model.Twin]
	fetcher ThingFetcher
}

// NewFacade wires fetcher through backend (typically a process-local
// cache.MemoryCache, since twin snapshots are large and per-process
// locality is fine — unlike the shared policy enforcer cache).
func NewFacade(backend cache.Cache[cache.Entry[*model.Twin]], fetcher ThingFetcher, ttl, retryDelay time.Duration) *Facade {
	loader := func(ctx context.Context, key string) (cache.Entry[*model.Twin], error) {
		twinId := model.TwinId(key)
		twin, err := fetcher.FetchThing(ctx, twinId)
		if err != nil {
			if errors.Is(err, model.ErrMissingEntity) {
				return cache.Entry[*model.Twin]{Exists: false}, nil
			}
			return cache.Entry[*model.Twin]{}, err
		}
		return cache.Entry[*model.Twin]{Exists: true, Revision: twin.Revision, Value: twin}, nil
	}
	return &Facade{
		loading: cache.NewLoadingCache[*model.Twin](backend, loader, ttl, retryDelay),
		fetcher: fetcher,
	}
}

// RetrieveThing implements spec.md §4.3's retrieveThing contract. When
// invalidate is set (the inbound invalidateThing signal, §4.7) or
// expectedRevision is -1 or knownEvents is empty, a full fetch is always
// issued. Otherwise knownEvents are applied to the cached snapshot when its
// revision aligns; any gap, drop-everything, or missing-snapshot outcome
// falls back to a full fetch. A nil document with a nil error means the
// twin genuinely does not exist (spec.md §4.3's missing-entity case, which
// the caller must turn into a Delete); a transient fetch failure instead
// returns ErrFetchSkipped, which the caller must treat as "skip this twin
// for now" (spec.md §4.3/§7) without touching the search index at all.
func (f *Facade) RetrieveThing(ctx context.Context, twinId model.TwinId, knownEvents []model.Event, expectedRevision int64, invalidate bool) (bson.M, error) {
	if invalidate || expectedRevision < 0 || len(knownEvents) == 0 {
		return f.fullFetch(ctx, twinId)
	}

	entry, ok := f.loading.Peek(ctx, string(twinId))
	if !ok || !entry.Exists {
		return f.fullFetch(ctx, twinId)
	}

	twin := entry.Value.Copy()
	applied, err := model.ApplyEvents(twin, knownEvents)
	if err != nil {
		// ErrRevisionGap or ErrMissingEntity: the cached snapshot cannot be
		// trusted to reach expectedRevision incrementally.
		core.Warn("incremental event application failed, falling back to full fetch",
			zap.String("twinId", string(twinId)), zap.Error(err))
		return f.fullFetch(ctx, twinId)
	}
	if applied.Revision != expectedRevision {
		return f.fullFetch(ctx, twinId)
	}

	if putErr := f.loading.Put(ctx, string(twinId), cache.Entry[*model.Twin]{
		Exists: true, Revision: applied.Revision, Value: applied,
	}); putErr != nil {
		core.Warn("failed to cache incrementally-applied twin",
			zap.String("twinId", string(twinId)), zap.Error(putErr))
	}

	return twinDoc(applied), nil
}

// Invalidate drops any cached snapshot for twinId, e.g. on an
// invalidateThing signal carried in Metadata.
func (f *Facade) Invalidate(ctx context.Context, twinId model.TwinId) error {
	return f.loading.Invalidate(ctx, string(twinId))
}

func (f *Facade) fullFetch(ctx context.Context, twinId model.TwinId) (bson.M, error) {
	entry, err := f.loading.Get(ctx, string(twinId), 0, true)
	if err != nil {
		core.Warn("full fetch failed, skipping twin for now",
			zap.String("twinId", string(twinId)), zap.Error(err))
		return nil, ErrFetchSkipped
	}
	if !entry.Exists {
		return nil, nil
	}
	return twinDoc(entry.Value), nil
}

// twinDoc renders twin as the plain BSON document the enforcement flow
// projects over; it round-trips through bson.Marshal/Unmarshal exactly like
// the teacher's FindOne does for its own document type.
func twinDoc(twin *model.Twin) bson.M {
	raw, err := bson.Marshal(twin)
	if err != nil {
		core.Error("failed to marshal twin to document", zap.Error(err))
		return bson.M{}
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		core.Error("failed to unmarshal twin document", zap.Error(err))
		return bson.M{}
	}
	return doc
}
