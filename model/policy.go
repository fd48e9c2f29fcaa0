package model

// Permission is a bit in the grant/revoke set a PolicyEntry carries for a
// resource target. Ditto's real permission vocabulary is richer; the update
// pipeline only needs to evaluate these two.
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
)

// ResourceTarget names one node of a twin's JSON tree a PolicyEntry applies
// to: Pointer is a JSON-pointer-style path ("/features/lamp/properties")
// rooted at the twin document; ResourceType groups targets for display and
// is not consulted by the enforcer.
type ResourceTarget struct {
	ResourceType string
	Pointer      string
}

// PolicyEntry binds a set of subjects to grants/revokes over a set of
// resource targets (spec.md §3: "a set of entries; each entry binds
// {subjects, grants, revokes} for a set of (resourceType, resourcePointer)
// targets").
type PolicyEntry struct {
	Subjects []string
	Targets  []ResourceTarget
	Grant    []Permission
	Revoke   []Permission
}

// Policy is the logical authorization document for a PolicyId at a given
// revision; see policy.Enforcer for its compiled, queryable form.
type Policy struct {
	PolicyId PolicyId
	Revision int64
	Entries  []PolicyEntry
}
