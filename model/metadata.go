package model

// UpdateReason names why a twin is being re-indexed, accumulated across
// merged events (§3, §4.7).
type UpdateReason string

const (
	ReasonThingUpdate   UpdateReason = "THING_UPDATE"
	ReasonPolicyUpdate  UpdateReason = "POLICY_UPDATE"
	ReasonManualReindex UpdateReason = "MANUAL_REINDEXING"
)

// Metadata is carried through the pipeline for one twin per flush window
// (§3). It accumulates across merged events: highest revision wins, reasons
// union.
type Metadata struct {
	TwinId           TwinId
	ThingRevision    int64
	PolicyId         *PolicyId
	PolicyRevision   *int64
	Events           []Event
	Timers           []int64 // nanoseconds; kept as a slice of durations observed
	UpdateReasons    map[UpdateReason]struct{}
	InvalidateThing  bool
	InvalidatePolicy bool
}

// NewMetadata returns an empty Metadata for twinId.
func NewMetadata(twinId TwinId) *Metadata {
	return &Metadata{
		TwinId:        twinId,
		UpdateReasons: map[UpdateReason]struct{}{},
	}
}

// AddReason records a reason in the union (§4.7 "union of updateReasons").
func (m *Metadata) AddReason(r UpdateReason) {
	if m.UpdateReasons == nil {
		m.UpdateReasons = map[UpdateReason]struct{}{}
	}
	m.UpdateReasons[r] = struct{}{}
}

// HasReason reports whether r was recorded.
func (m *Metadata) HasReason(r UpdateReason) bool {
	_, ok := m.UpdateReasons[r]
	return ok
}

// Merge folds other into m, preserving the highest revision and the union of
// reasons, per §4.7's "combine multiple events into one write per flush".
func (m *Metadata) Merge(other *Metadata) {
	if other == nil {
		return
	}
	if other.ThingRevision > m.ThingRevision {
		m.ThingRevision = other.ThingRevision
	}
	if other.PolicyId != nil {
		m.PolicyId = other.PolicyId
	}
	if other.PolicyRevision != nil {
		m.PolicyRevision = other.PolicyRevision
	}
	m.Events = append(m.Events, other.Events...)
	for r := range other.UpdateReasons {
		m.AddReason(r)
	}
	m.InvalidateThing = m.InvalidateThing || other.InvalidateThing
	m.InvalidatePolicy = m.InvalidatePolicy || other.InvalidatePolicy
}
