// Package policy implements the trie-based policy enforcer oracle of
// spec.md §4.2: stateless evaluation of grant/revoke decisions and JSON
// projection over a compiled Policy, plus the cache wiring that loads and
// coalesces Enforcer instances per PolicyId.
package policy

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"twinupdater/model"
)

// Enforcer is the compiled, stateless form of a model.Policy: a trie keyed
// by resource-pointer segment, answering Authorize/Project queries without
// ever re-walking the original Policy entries. The oracle is immutable once
// built — the same instance is safe for concurrent queries.
type Enforcer struct {
	policyId model.PolicyId
	revision int64
	root     *trieNode
}

// Compile builds an Enforcer from policy, once per policy revision, the way
// bsonpatch.go's typeInfoCache builds a StructTypeInfo once per reflect.Type.
func Compile(p *model.Policy) *Enforcer {
	root := newTrieNode()
	for _, entry := range p.Entries {
		grant := permSetOf(entry.Grant)
		revoke := permSetOf(entry.Revoke)
		for _, target := range entry.Targets {
			root.insert(splitPointer(target.Pointer), entry.Subjects, grant, revoke)
		}
	}
	return &Enforcer{policyId: p.PolicyId, revision: p.Revision, root: root}
}

func (e *Enforcer) PolicyId() model.PolicyId { return e.policyId }
func (e *Enforcer) Revision() int64          { return e.revision }

// Authorize walks resourcePath (a "/"-separated pointer) from the root,
// combining grant/revoke bitsets declared for subjects along the way: a
// revoke at any depth permanently removes the permission bit, even if a
// shallower or deeper node grants it (spec.md §4.2: "revoke overrides grant
// at same or deeper depth").
func (e *Enforcer) Authorize(subjects []string, resourcePath string, permission model.Permission) bool {
	grant, revoke := e.walk(subjects, splitPointer(resourcePath))
	allowed := grant &^ revoke
	return allowed.has(permission)
}

// walk accumulates the (grant, revoke) bitsets across every trie node from
// the root down to the deepest segment that exists; pointer segments beyond
// the trie's depth inherit the deepest matched node's accumulated state.
func (e *Enforcer) walk(subjects []string, segments []string) (permSet, permSet) {
	var grant, revoke permSet
	node := e.root
	grant, revoke = node.mergeAt(subjects, grant, revoke)
	for _, seg := range segments {
		child, ok := node.children[seg]
		if !ok {
			break
		}
		node = child
		grant, revoke = node.mergeAt(subjects, grant, revoke)
	}
	return grant, revoke
}

// Project walks json in lockstep with the trie, building the maximal
// sub-view subjects are allowed permission on (spec.md §4.4 step 5). An array
// longer than maxArraySize is replaced by a document {items, _truncated: true,
// _fullLength} holding its first maxArraySize elements, per spec.md §8's
// boundary behavior (length == maxArraySize: retained in full; length ==
// maxArraySize+1: truncated).
func (e *Enforcer) Project(subjects []string, permission model.Permission, json bson.M, maxArraySize int) bson.M {
	grant, revoke := e.root.mergeAt(subjects, 0, 0)
	out, _ := projectValue(e.root, subjects, permission, json, maxArraySize, grant, revoke)
	if m, ok := out.(bson.M); ok {
		return m
	}
	return bson.M{}
}

// projectValue returns the projected form of value and whether it should be
// included at all. Maps and arrays are always reported as included here;
// projectMap then drops a map or array value whose projection came out
// empty, while projectArray keeps empty container elements.
func projectValue(node *trieNode, subjects []string, permission model.Permission, value interface{}, maxArraySize int, grant, revoke permSet) (interface{}, bool) {
	allowed := (grant &^ revoke).has(permission)

	switch v := value.(type) {
	case bson.M:
		return projectMap(node, subjects, permission, v, maxArraySize, grant, revoke), true
	case map[string]interface{}:
		return projectMap(node, subjects, permission, bson.M(v), maxArraySize, grant, revoke), true
	case bson.A:
		return projectArray(node, subjects, permission, v, maxArraySize, grant, revoke), true
	case []interface{}:
		return projectArray(node, subjects, permission, bson.A(v), maxArraySize, grant, revoke), true
	default:
		if !allowed {
			return nil, false
		}
		return value, true
	}
}

// projectMap projects every key of m. A denied scalar leaf is dropped; a
// denied container is still descended into, since a deeper node may carve
// out a grant beneath an otherwise-denied subtree — projectValue's own
// container cases ignore the allowed/denied state of their parent and
// re-decide per descendant.
func projectMap(node *trieNode, subjects []string, permission model.Permission, m bson.M, maxArraySize int, grant, revoke permSet) bson.M {
	out := bson.M{}
	for key, val := range m {
		childNode := node
		childGrant, childRevoke := grant, revoke
		if c, ok := node.children[key]; ok {
			childNode = c
			childGrant, childRevoke = c.mergeAt(subjects, grant, revoke)
		}
		projected, include := projectValue(childNode, subjects, permission, val, maxArraySize, childGrant, childRevoke)
		if !include {
			continue
		}
		if isContainer(val) && !isNonEmptyContainer(projected) {
			continue
		}
		out[key] = projected
	}
	return out
}

func isContainer(v interface{}) bool {
	switch v.(type) {
	case bson.M, map[string]interface{}, bson.A, []interface{}:
		return true
	default:
		return false
	}
}

func projectArray(node *trieNode, subjects []string, permission model.Permission, a bson.A, maxArraySize int, grant, revoke permSet) interface{} {
	truncated := len(a) > maxArraySize
	limit := len(a)
	if truncated {
		limit = maxArraySize
	}
	items := make(bson.A, 0, limit)
	for i := 0; i < limit; i++ {
		// Arrays do not consume a pointer segment: every element is
		// evaluated against the same node as the array itself.
		projected, include := projectValue(node, subjects, permission, a[i], maxArraySize, grant, revoke)
		if include {
			items = append(items, projected)
		}
	}
	if !truncated {
		return items
	}
	return bson.M{
		"items":       items,
		"_truncated":  true,
		"_fullLength": len(a),
	}
}

func isNonEmptyContainer(v interface{}) bool {
	switch t := v.(type) {
	case bson.M:
		return len(t) > 0
	case bson.A:
		return len(t) > 0
	default:
		return false
	}
}

// ErrNoEnforcer is returned by a policy loader when no policy exists for a
// requested PolicyId (spec.md §4.4 step 4: "if no enforcer exists → emit
// Delete(metadata)").
var ErrNoEnforcer = fmt.Errorf("policy: no enforcer for policy id")
