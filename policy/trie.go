package policy

import (
	"strings"

	"twinupdater/model"
)

// permSet is a small bitset over model.Permission, keeping trie nodes cheap
// to build and compare; see permSetOf/permSet.has.
type permSet uint8

const (
	permRead permSet = 1 << iota
	permWrite
)

// trieNode is one segment of a compiled resource pointer. It is the
// policy-evaluation analogue of bsonpatch.go's recursive field walk: instead
// of comparing two struct trees field by field, it walks a single JSON
// pointer (or a twin document) one segment at a time, accumulating the
// grant/revoke bitset declared for each subject along the path.
type trieNode struct {
	children map[string]*trieNode
	grants   map[string]permSet
	revokes  map[string]permSet
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		grants:   make(map[string]permSet),
		revokes:  make(map[string]permSet),
	}
}

func (n *trieNode) child(segment string) *trieNode {
	c, ok := n.children[segment]
	if !ok {
		c = newTrieNode()
		n.children[segment] = c
	}
	return c
}

// insert walks segments from n, creating nodes as needed, and at the leaf
// ORs grant/revoke into every listed subject's bitset.
func (n *trieNode) insert(segments []string, subjects []string, grant, revoke permSet) {
	leaf := n
	for _, seg := range segments {
		leaf = leaf.child(seg)
	}
	for _, subj := range subjects {
		leaf.grants[subj] |= grant
		leaf.revokes[subj] |= revoke
	}
}

// mergeAt ORs this node's grant/revoke bitsets, across every subject in
// subjects, into the running (grant, revoke) accumulators. Subjects not
// present at this node contribute nothing.
func (n *trieNode) mergeAt(subjects []string, grant, revoke permSet) (permSet, permSet) {
	for _, subj := range subjects {
		grant |= n.grants[subj]
		revoke |= n.revokes[subj]
	}
	return grant, revoke
}

// splitPointer turns a "/a/b/c" style pointer into ["a","b","c"], ignoring a
// leading slash and collapsing an empty/root pointer to no segments.
func splitPointer(pointer string) []string {
	trimmed := strings.Trim(pointer, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func permSetOf(perms []model.Permission) permSet {
	var s permSet
	for _, p := range perms {
		switch p {
		case model.PermissionRead:
			s |= permRead
		case model.PermissionWrite:
			s |= permWrite
		}
	}
	return s
}

func (s permSet) has(p model.Permission) bool {
	switch p {
	case model.PermissionRead:
		return s&permRead != 0
	case model.PermissionWrite:
		return s&permWrite != 0
	default:
		return false
	}
}
