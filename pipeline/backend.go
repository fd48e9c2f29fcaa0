// Package pipeline wires enrichment, policy enforcement, the write-model
// differ, and the bulk writer into the twinactor.Backend a single twin
// update task asks into — the concrete collaborator main.go constructs and
// hands to twinactor.NewRegistry.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"twinupdater/bulkwriter"
	"twinupdater/differ"
	"twinupdater/enforcement"
	"twinupdater/model"
	"twinupdater/partition"
	"twinupdater/twinactor"
)

// Backend is the concrete twinactor.Backend: one enforcement.Flow for
// computing the next write model, one differ.Diff call to minimize it
// against the last acknowledged one, and the bulk writer's partitioned
// accumulators (spec.md §4.6) to persist it, with Recover reading the
// search-index collection directly. Every twin update task's write model
// is submitted onto the partition its twin id hashes to rather than
// written one-by-one, so the daemon actually exercises maxBulkSize/
// maxBulkDelay batching instead of bypassing it.
type Backend struct {
	flow               *enforcement.Flow
	writer             *bulkwriter.Writer
	collection         *mongo.Collection
	patchSizeThreshold int
	partitions         int

	submitChans []chan model.WriteModel

	mu      sync.Mutex
	pending map[model.TwinId]chan bulkwriter.Result
}

// NewBackend builds a Backend with partitions partition queues. Start must
// be called once before the first Persist call.
func NewBackend(flow *enforcement.Flow, writer *bulkwriter.Writer, collection *mongo.Collection, patchSizeThreshold, partitions int) *Backend {
	submitChans := make([]chan model.WriteModel, partitions)
	for i := range submitChans {
		submitChans[i] = make(chan model.WriteModel, 64)
	}
	return &Backend{
		flow:               flow,
		writer:             writer,
		collection:         collection,
		patchSizeThreshold: patchSizeThreshold,
		partitions:         partitions,
		submitChans:        submitChans,
		pending:            make(map[model.TwinId]chan bulkwriter.Result),
	}
}

// Start launches one bulkwriter.Writer.RunPartition consumer per partition
// plus a dispatcher that routes each classified Result back to whichever
// Persist call submitted it, until ctx is done. Grounded on
// bulkwriter.Writer.Run's own fan-out/fan-in shape, adapted so results are
// routed by twin id to a waiting caller instead of drained into one shared
// channel — a twin update task calls Persist synchronously and needs its
// own write model's outcome, not the whole partition's.
func (b *Backend) Start(ctx context.Context) {
	results := make(chan bulkwriter.Result, b.partitions*4)

	var wg sync.WaitGroup
	for _, ch := range b.submitChans {
		wg.Add(1)
		go func(in <-chan model.WriteModel) {
			defer wg.Done()
			b.writer.RunPartition(ctx, in, results)
		}(ch)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		for result := range results {
			b.dispatch(result)
		}
	}()
}

func (b *Backend) dispatch(result bulkwriter.Result) {
	b.mu.Lock()
	resultCh, ok := b.pending[result.TwinId]
	if ok {
		delete(b.pending, result.TwinId)
	}
	b.mu.Unlock()
	if ok {
		resultCh <- result
	}
}

// ComputeWriteModel implements twinactor.Backend.
func (b *Backend) ComputeWriteModel(ctx context.Context, metadata *model.Metadata, lastModel model.WriteModel) (model.WriteModel, error) {
	next, err := b.flow.ComputeOne(ctx, metadata.TwinId, metadata)
	if err != nil {
		if errors.Is(err, enforcement.ErrFetchSkipped) {
			return nil, &model.TransientError{Op: "computeWriteModel", Err: err}
		}
		return nil, err
	}
	return differ.Diff(lastModel, next, b.patchSizeThreshold), nil
}

// Persist implements twinactor.Backend: it submits wm onto its partition's
// queue and blocks until the bulk writer classifies it, so twin update
// tasks across the same partition get batched into one flush exactly as
// spec.md §4.6 describes, rather than each issuing its own round trip.
func (b *Backend) Persist(ctx context.Context, wm model.WriteModel) twinactor.PersistResult {
	if wm == nil {
		return twinactor.PersistResult{}
	}

	resultCh := make(chan bulkwriter.Result, 1)
	b.mu.Lock()
	b.pending[wm.TwinId()] = resultCh
	b.mu.Unlock()

	idx := partition.Of(wm.TwinId(), b.partitions)
	select {
	case b.submitChans[idx] <- wm:
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, wm.TwinId())
		b.mu.Unlock()
		return twinactor.PersistResult{Err: ctx.Err()}
	}

	select {
	case result := <-resultCh:
		return classify(result)
	case <-ctx.Done():
		return twinactor.PersistResult{Err: ctx.Err()}
	}
}

func classify(result bulkwriter.Result) twinactor.PersistResult {
	switch result.Classification {
	case bulkwriter.ResultOK:
		return twinactor.PersistResult{Revision: result.Revision}
	case bulkwriter.ResultConflict:
		return twinactor.PersistResult{Conflict: true}
	case bulkwriter.ResultPermanentError:
		return twinactor.PersistResult{Err: result.Err, Permanent: true}
	default:
		return twinactor.PersistResult{Err: result.Err}
	}
}

// Recover implements twinactor.Backend, reading the previously-persisted
// search-index document (spec.md §6's { _id, _revision, _policyRevision,
// f, t } shape) back into a full PutModel, or nil if none exists.
func (b *Backend) Recover(ctx context.Context, twinId model.TwinId) (model.WriteModel, error) {
	var doc bson.M
	err := b.collection.FindOne(ctx, bson.M{"_id": string(twinId)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	projected, _ := doc["t"].(bson.M)
	revision, _ := doc["_revision"].(int64)
	meta := model.NewMetadata(twinId)
	meta.ThingRevision = revision
	return model.NewPutModel(meta, projected), nil
}
