// Package enforcement implements the enforcement flow of spec.md §4.4: for
// every twin with accumulated changes in a flush window, fetch its current
// JSON, authorize it through the twin's policy enforcer, and emit a write
// model — partitioned so the bulk writer can commit each partition in
// strict per-twin order.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"twinupdater/core"
	"twinupdater/model"
	"twinupdater/partition"
	"twinupdater/policy"
)

// ErrFetchSkipped is returned by ComputeOne when the twin's current document
// could not be fetched — the twin update task should treat this as a
// transient error and retry, not clobber its cached lastModel.
var ErrFetchSkipped = errors.New("enforcement: fetch failed, twin skipped")

// ThingRetriever is the subset of enrichment.Facade the flow depends on.
type ThingRetriever interface {
	RetrieveThing(ctx context.Context, twinId model.TwinId, knownEvents []model.Event, expectedRevision int64, invalidate bool) (bson.M, error)
}

// PolicyLoader is the subset of policy.LoaderCache the flow depends on.
type PolicyLoader interface {
	Load(ctx context.Context, policyId model.PolicyId, requiredRevision int64, invalidate bool) (*policy.Enforcer, error)
}

// Flow is grounded on the teacher's generic Storage[T] orchestration style
// (fetch, transform, persist), generalized to a partitioned, bounded-
// parallelism pipeline over many twins at once.
type Flow struct {
	facade       ThingRetriever
	policies     PolicyLoader
	partitions   int
	parallelism  int
	maxArraySize int
	subjects     []string
	permission   model.Permission
}

// NewFlow builds a Flow. subjects/permission select which policy-evaluation
// viewpoint the projected search document is computed for — the search
// index's own read-access view, not any one end user's.
func NewFlow(facade ThingRetriever, policies PolicyLoader, partitions, parallelism, maxArraySize int, subjects []string, permission model.Permission) *Flow {
	return &Flow{
		facade:       facade,
		policies:     policies,
		partitions:   partitions,
		parallelism:  parallelism,
		maxArraySize: maxArraySize,
		subjects:     subjects,
		permission:   permission,
	}
}

// Run processes one flush window's accumulated changes and returns P
// receive-only channels, index i holding every write model whose twin id
// hashes to partition i, in the order it was produced (spec.md §4.4).
// Each channel is closed once every twin in batch has been processed.
func (f *Flow) Run(ctx context.Context, batch map[model.TwinId]*model.Metadata) []<-chan model.WriteModel {
	outs := make([]chan model.WriteModel, f.partitions)
	for i := range outs {
		outs[i] = make(chan model.WriteModel, f.parallelism)
	}

	sem := semaphore.NewWeighted(int64(f.parallelism))
	var wg sync.WaitGroup
	for twinId, metadata := range batch {
		wg.Add(1)
		go func(twinId model.TwinId, metadata *model.Metadata) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			wm, ok := f.process(ctx, twinId, metadata)
			if !ok {
				return
			}
			idx := partition.Of(twinId, f.partitions)
			select {
			case outs[idx] <- wm:
			case <-ctx.Done():
			}
		}(twinId, metadata)
	}

	go func() {
		wg.Wait()
		for _, c := range outs {
			close(c)
		}
	}()

	result := make([]<-chan model.WriteModel, f.partitions)
	for i, c := range outs {
		result[i] = c
	}
	return result
}

// ComputeOne runs the same six-step algorithm as Run, for exactly one twin —
// used by the twin update task (§4.7), which persists one twin at a time
// rather than a whole flush-window batch.
func (f *Flow) ComputeOne(ctx context.Context, twinId model.TwinId, metadata *model.Metadata) (model.WriteModel, error) {
	wm, ok := f.process(ctx, twinId, metadata)
	if !ok {
		return nil, ErrFetchSkipped
	}
	return wm, nil
}

// process implements the six-step per-twin algorithm of spec.md §4.4.
// The second return value is false when the twin must be skipped entirely
// (fetch failure) rather than produce a write model.
func (f *Flow) process(ctx context.Context, twinId model.TwinId, metadata *model.Metadata) (model.WriteModel, bool) {
	doc, err := f.facade.RetrieveThing(ctx, twinId, metadata.Events, metadata.ThingRevision, metadata.InvalidateThing)
	if err != nil {
		core.Warn("fetch failed, skipping twin until its next event",
			zap.String("twinId", string(twinId)), zap.Error(err))
		return nil, false
	}
	if doc == nil {
		return model.NewDeleteModel(metadata), true
	}

	// A write triggered by a policy change or a manual reindex carries no
	// event to raise metadata.ThingRevision, which otherwise stays at
	// whatever mergeEvents last left it (possibly 0). The fetched document
	// is authoritative, so adopt its revision whenever it is ahead of what
	// metadata already knows — keeping the strict-monotonic-revision
	// invariant (spec.md §3) regardless of which trigger produced this write.
	if rev, ok := thingRevision(doc); ok && rev > metadata.ThingRevision {
		metadata.ThingRevision = rev
	}

	if latest := latestEvent(metadata.Events); latest != nil && latest.Kind == model.EventDeleted {
		return model.NewDeleteModel(metadata), true
	}

	policyIdRaw, ok := doc["policyId"]
	if !ok {
		return model.NewDeleteModel(metadata), true
	}
	policyId := model.PolicyId(fmt.Sprint(policyIdRaw))

	var requiredRevision int64
	if metadata.PolicyRevision != nil {
		requiredRevision = *metadata.PolicyRevision
	}
	enforcer, err := f.policies.Load(ctx, policyId, requiredRevision, metadata.InvalidatePolicy)
	if err != nil {
		core.Warn("enforcer unavailable, treating as nonexistent",
			zap.String("twinId", string(twinId)), zap.String("policyId", string(policyId)), zap.Error(err))
		return model.NewDeleteModel(metadata), true
	}

	projected := enforcer.Project(f.subjects, f.permission, doc, f.maxArraySize)
	return model.NewPutModel(metadata, projected), true
}

// thingRevision extracts the "_revision" field of a fetched twin document,
// as rendered by model.Twin's bson tag (model/twin.go), tolerating whatever
// numeric type the driver (or a test stub) hands back.
func thingRevision(doc bson.M) (int64, bool) {
	switch v := doc["_revision"].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// latestEvent picks the event with the greatest timestamp, ties broken by
// revision (spec.md §4.4 step 2; see SPEC_FULL.md's Open Question decision
// on the equal-timestamp tiebreak).
func latestEvent(events []model.Event) *model.Event {
	if len(events) == 0 {
		return nil
	}
	latest := &events[0]
	for i := 1; i < len(events); i++ {
		ev := &events[i]
		if ev.Timestamp.After(latest.Timestamp) ||
			(ev.Timestamp.Equal(latest.Timestamp) && ev.Revision > latest.Revision) {
			latest = ev
		}
	}
	return latest
}
