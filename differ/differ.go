// Package differ implements the write-model differ of spec.md §4.5: given
// the previously-persisted and newly-computed full documents for a twin, it
// decides whether to emit a no-op, a minimal conditional Patch, or a full
// Put.
package differ

import (
	"math"

	"go.mongodb.org/mongo-driver/bson"

	"twinupdater/model"
)

// Diff computes the write model to send to the bulk writer for a twin whose
// enforcement-flow output is next, given previous (the twin update task's
// cached lastModel, or nil if this twin has never been written).
//
// previous, when non-nil, is expected to be a *model.DeleteModel or a
// *model.PutModel holding the full document the enforcement flow projected
// last time — never a *model.PatchModel. This mirrors the real invariant
// that a twin update task's lastModel always materializes the full current
// document, even on ticks where only a Patch was sent over the wire: what
// was acknowledged by the writer is the state, not the wire encoding of it.
//
// Diff returns nil when next is a pure no-op (an empty diff against an
// identical previous document) — callers must treat a nil result as "drop,
// do not write".
func Diff(previous model.WriteModel, next model.WriteModel, patchSizeThreshold int) model.WriteModel {
	nextDelete, nextIsDelete := next.(*model.DeleteModel)
	if nextIsDelete {
		return nextDelete
	}

	nextPut, ok := next.(*model.PutModel)
	if !ok {
		// Only Delete and Put are valid "next" shapes; a Patch is never the
		// enforcement flow's own output, only the differ's.
		return next
	}

	if previous == nil {
		return model.NewPutModel(nextPut.Meta(), nextPut.Document)
	}
	prevPut, previousIsPut := previous.(*model.PutModel)
	if !previousIsPut {
		// previous is a DeleteModel (or caller violated the contract above):
		// there is no prior document to diff against, so this is a full
		// upsert either way.
		return model.NewPutModel(nextPut.Meta(), nextPut.Document)
	}

	set, unset := diffDocuments("", prevPut.Document, nextPut.Document)
	if len(set) == 0 && len(unset) == 0 {
		return nil
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	size, err := patchSize(update)
	if err != nil || size > patchSizeThreshold {
		return model.NewPutModel(nextPut.Meta(), nextPut.Document)
	}
	return model.NewPatchModel(nextPut.Meta(), update, prevPut.Revision())
}

// diffDocuments recursively compares prev and next, collecting $set paths
// for added/changed fields and $unset paths for removed ones. Grounded on
// bsonpatch.go's processField/processMap family, adapted from reflected Go
// struct fields to dynamic bson.M/bson.A trees: nested maps are diffed
// recursively, but arrays are compared and replaced wholesale (the search
// projection's arrays are opaque, enforcer-truncated payloads, not
// identifiable element lists worth positional diffing — unlike the
// teacher's struct-slice case, which has real per-element identity).
func diffDocuments(prefix string, prev, next bson.M) (set, unset bson.M) {
	set = bson.M{}
	unset = bson.M{}

	for key, nextVal := range next {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		prevVal, existed := prev[key]
		if !existed {
			set[path] = nextVal
			continue
		}
		mergeDiff(set, unset, path, prevVal, nextVal)
	}

	for key := range prev {
		if _, stillPresent := next[key]; !stillPresent {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			unset[path] = ""
		}
	}
	return set, unset
}

func mergeDiff(set, unset bson.M, path string, prevVal, nextVal interface{}) {
	prevMap, prevIsMap := asMap(prevVal)
	nextMap, nextIsMap := asMap(nextVal)
	if prevIsMap && nextIsMap {
		nestedSet, nestedUnset := diffDocuments(path, prevMap, nextMap)
		for k, v := range nestedSet {
			set[k] = v
		}
		for k, v := range nestedUnset {
			unset[k] = v
		}
		return
	}

	if documentsEqual(prevVal, nextVal) {
		return
	}
	set[path] = nextVal
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}

// documentsEqual compares two scalar/array values with semantic numeric
// equality (int32/int64/float64 compared by value after normalizing to
// float64), exactly the round-trip law spec.md §8 requires; everything
// else falls back to bson.Marshal byte equality, a cheap way to get
// structural equality for arrays and any remaining nested-document value
// without hand-rolling deep equality for every BSON type.
func documentsEqual(a, b interface{}) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	if aIsNum != bIsNum {
		return false
	}

	aBytes, aErr := bson.Marshal(bson.M{"v": a})
	bBytes, bErr := bson.Marshal(bson.M{"v": b})
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// patchSize measures the BSON-encoded size of update, mirroring the
// teacher's MarshalBSON-based size check before sending a patch to Mongo.
func patchSize(update bson.M) (int, error) {
	raw, err := bson.Marshal(update)
	if err != nil {
		return math.MaxInt, err
	}
	return len(raw), nil
}
