// Package bulkwriter implements the bulk writer of spec.md §4.6: a bounded
// per-partition accumulator that flushes write models to MongoDB on size,
// delay, or end-of-batch, classifying every result as ok/conflict/error.
package bulkwriter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"twinupdater/core"
	"twinupdater/model"
)

// Classification is the outcome spec.md §4.6 requires for every write model.
type Classification int

const (
	ResultOK Classification = iota
	ResultConflict
	ResultTransientError
	ResultPermanentError
)

// Result carries one write model's outcome back to its twin update task.
type Result struct {
	TwinId         model.TwinId
	Revision       int64
	Classification Classification
	Err            error
}

// Writer flushes accumulated write models per partition. Put/Delete
// operations ride a true collection.BulkWrite (ordered:false, independent
// operations, per the teacher's UpdateOne/FindOneAndUpdate revision-gated
// pattern generalized to batches); Patch operations are issued as
// individual collection.UpdateOne calls in the same flush, because Mongo's
// BulkWriteResult only aggregates MatchedCount across the whole batch —
// there is no per-operation "matched 0" signal to classify a conflict from,
// unlike a single UpdateOne's own *mongo.UpdateResult.
type Writer struct {
	collection   *mongo.Collection
	maxBulkSize  int
	maxBulkDelay time.Duration
	maxRetries   int
}

// NewWriter builds a Writer over collection.
func NewWriter(collection *mongo.Collection, maxBulkSize int, maxBulkDelay time.Duration, maxRetries int) *Writer {
	return &Writer{collection: collection, maxBulkSize: maxBulkSize, maxBulkDelay: maxBulkDelay, maxRetries: maxRetries}
}

// Run consumes every partition channel concurrently (each partition
// preserves its own per-twin ordering internally) and fans their results
// into one channel, closed once every partition has drained.
func (w *Writer) Run(ctx context.Context, partitions []<-chan model.WriteModel) <-chan Result {
	out := make(chan Result, w.maxBulkSize)
	var wg sync.WaitGroup
	for _, p := range partitions {
		wg.Add(1)
		go func(in <-chan model.WriteModel) {
			defer wg.Done()
			w.RunPartition(ctx, in, out)
		}(p)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// RunPartition drains in, flushing the accumulated batch when maxBulkSize is
// reached, maxBulkDelay has elapsed since the first queued item, or in is
// closed (end-of-batch).
func (w *Writer) RunPartition(ctx context.Context, in <-chan model.WriteModel, results chan<- Result) {
	var batch []model.WriteModel
	timer := time.NewTimer(w.maxBulkDelay)
	timer.Stop()
	timerActive := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(ctx, batch, results)
		batch = nil
		if timerActive {
			if !timer.Stop() {
				<-timer.C
			}
			timerActive = false
		}
	}

	for {
		select {
		case wm, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, wm)
			if !timerActive {
				timer.Reset(w.maxBulkDelay)
				timerActive = true
			}
			if len(batch) >= w.maxBulkSize {
				flush()
			}
		case <-timer.C:
			timerActive = false
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []model.WriteModel, results chan<- Result) {
	var bulkOps []mongo.WriteModel
	var bulkMeta []model.WriteModel
	var patches []*model.PatchModel

	for _, wm := range batch {
		switch t := wm.(type) {
		case *model.DeleteModel:
			bulkOps = append(bulkOps, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": string(t.TwinId())}))
			bulkMeta = append(bulkMeta, wm)
		case *model.PutModel:
			bulkOps = append(bulkOps, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": string(t.TwinId())}).
				SetReplacement(searchDocument(t.Meta(), t.Document)).
				SetUpsert(true))
			bulkMeta = append(bulkMeta, wm)
		case *model.PatchModel:
			patches = append(patches, t)
		default:
			core.Warn("unknown write model kind, dropping", zap.String("twinId", string(wm.TwinId())))
		}
	}

	if len(bulkOps) > 0 {
		w.runBulk(ctx, bulkOps, bulkMeta, results)
	}
	for _, p := range patches {
		w.runPatch(ctx, p, results)
	}
}

func (w *Writer) runBulk(ctx context.Context, ops []mongo.WriteModel, metas []model.WriteModel, results chan<- Result) {
	var bulkErr error
	operation := func() error {
		opts := options.BulkWrite().SetOrdered(false)
		_, err := w.collection.BulkWrite(ctx, ops, opts)
		bulkErr = err
		if err == nil {
			return nil
		}
		var writeException mongo.BulkWriteException
		if errors.As(err, &writeException) {
			// Per-index outcomes are classified below without retrying the
			// whole batch — some operations in it may already have
			// succeeded.
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.maxRetries)), ctx)
	_ = backoff.Retry(operation, policy)

	if bulkErr == nil {
		for _, m := range metas {
			results <- Result{TwinId: m.TwinId(), Revision: m.Revision(), Classification: ResultOK}
		}
		return
	}

	var writeException mongo.BulkWriteException
	if errors.As(bulkErr, &writeException) {
		failed := make(map[int]mongo.BulkWriteError, len(writeException.WriteErrors))
		for _, we := range writeException.WriteErrors {
			failed[we.Index] = we
		}
		for i, m := range metas {
			if we, isFailed := failed[i]; isFailed {
				results <- Result{
					TwinId:         m.TwinId(),
					Revision:       m.Revision(),
					Classification: classifyErrorCode(we.Code),
					Err:            errors.New(we.Message),
				}
				continue
			}
			results <- Result{TwinId: m.TwinId(), Revision: m.Revision(), Classification: ResultOK}
		}
		return
	}

	// Exhausted retries on an error outside the batch itself (network,
	// context deadline): every operation in this flush is transient.
	for _, m := range metas {
		results <- Result{TwinId: m.TwinId(), Revision: m.Revision(), Classification: ResultTransientError, Err: bulkErr}
	}
}

func (w *Writer) runPatch(ctx context.Context, p *model.PatchModel, results chan<- Result) {
	filter := bson.M{"_id": string(p.TwinId()), "_revision": p.FilterRevision}
	update := withRevisionBump(p.Update, p.Meta())

	var matched int64
	var opErr error
	operation := func() error {
		res, err := w.collection.UpdateOne(ctx, filter, update)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				opErr = err
				return backoff.Permanent(err)
			}
			opErr = err
			return err
		}
		matched = res.MatchedCount
		opErr = nil
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.maxRetries)), ctx)
	_ = backoff.Retry(operation, policy)

	switch {
	case opErr != nil && mongo.IsDuplicateKeyError(opErr):
		results <- Result{TwinId: p.TwinId(), Revision: p.Revision(), Classification: ResultPermanentError, Err: opErr}
	case opErr != nil:
		results <- Result{TwinId: p.TwinId(), Revision: p.Revision(), Classification: ResultTransientError, Err: opErr}
	case matched == 0:
		results <- Result{TwinId: p.TwinId(), Revision: p.Revision(), Classification: ResultConflict}
	default:
		results <- Result{TwinId: p.TwinId(), Revision: p.Revision(), Classification: ResultOK}
	}
}

func classifyErrorCode(code int) Classification {
	if code == 11000 {
		return ResultPermanentError
	}
	return ResultTransientError
}

// searchDocument builds the outbound document shape of spec.md §6:
// { _id, _revision, _policyRevision, f: [feature-id], t: <projected json> }.
func searchDocument(meta *model.Metadata, projected bson.M) bson.M {
	doc := bson.M{
		"_id":       string(meta.TwinId),
		"_revision": meta.ThingRevision,
		"t":         projected,
	}
	if meta.PolicyRevision != nil {
		doc["_policyRevision"] = *meta.PolicyRevision
	}
	if features, ok := projected["features"].(bson.M); ok {
		ids := make([]string, 0, len(features))
		for id := range features {
			ids = append(ids, id)
		}
		doc["f"] = ids
	}
	return doc
}

// withRevisionBump returns a copy of update with _revision/_policyRevision
// folded into its $set, so a successful conditional Patch always advances
// the persisted revision fields alongside the diffed paths.
func withRevisionBump(update bson.M, meta *model.Metadata) bson.M {
	out := bson.M{}
	for k, v := range update {
		out[k] = v
	}
	set, _ := out["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
	} else {
		copied := bson.M{}
		for k, v := range set {
			copied[k] = v
		}
		set = copied
	}
	set["_revision"] = meta.ThingRevision
	if meta.PolicyRevision != nil {
		set["_policyRevision"] = *meta.PolicyRevision
	}
	out["$set"] = set
	return out
}
