// Package partition routes twin ids to a fixed number of ordered output
// partitions, the per-twin ordering unit the bulk writer commits in order
// (spec.md §4.4, §4.6).
package partition

import (
	"hash/fnv"

	"twinupdater/model"
)

// Of returns the partition index for twinId among p partitions:
// |hash(twinId)| mod p, using FNV-1a the way bsonpatch.go's
// isComparableType family favors cheap, allocation-free primitives over a
// general hashing package for this kind of bookkeeping.
func Of(twinId model.TwinId, p int) int {
	if p <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(twinId))
	return int(h.Sum64() % uint64(p))
}
