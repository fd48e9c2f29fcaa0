package model

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// EventKind enumerates the twin event types the enrichment facade can apply
// incrementally (§3, §4.3).
type EventKind string

const (
	EventCreated                    EventKind = "Created"
	EventModified                   EventKind = "Modified"
	EventDeleted                    EventKind = "Deleted"
	EventAttributeModified          EventKind = "AttributeModified"
	EventFeatureCreated             EventKind = "FeatureCreated"
	EventFeaturePropertiesCreated   EventKind = "FeaturePropertiesCreated"
	EventFeaturePropertyModified    EventKind = "FeaturePropertyModified"
	EventFeatureDefinitionCreated   EventKind = "FeatureDefinitionCreated"
	EventPolicyIdChanged            EventKind = "PolicyIdChanged"
)

// Event is a single revisioned change to a twin (§3). Events for a given
// twin form a total order by Revision, strictly monotonic starting at 1.
type Event struct {
	TwinId    TwinId
	Revision  int64
	Timestamp time.Time
	Kind      EventKind

	// Pointer is a JSON-pointer-shaped "/"-separated path, e.g. "x/y", relative to
	// Attributes for AttributeModified or to a feature's properties for
	// FeaturePropertyModified.
	Pointer string
	// Value is the new value at Pointer, or the full replacement payload
	// for the *Created variants.
	Value interface{}
	// FeatureId names the feature a Feature* event applies to.
	FeatureId string
	// NewPolicyId is the payload of PolicyIdChanged.
	NewPolicyId PolicyId
}

// applyEvent mutates twin in place per the event application rules of §4.3.
// Callers must have already checked the revision guard (ApplyEvents below
// is the entry point that does).
func applyEvent(twin *Twin, ev Event) error {
	switch ev.Kind {
	case EventDeleted:
		return ErrMissingEntity

	case EventCreated, EventModified:
		m, ok := ev.Value.(bson.M)
		if !ok {
			return &ValidationError{Field: "event.value", Reason: fmt.Sprintf("%s requires a bson.M payload", ev.Kind)}
		}
		twin.Attributes = deepCopyM(m)

	case EventAttributeModified:
		if twin.Attributes == nil {
			twin.Attributes = bson.M{}
		}
		setPointer(twin.Attributes, ev.Pointer, ev.Value)

	case EventFeatureCreated:
		if twin.Features == nil {
			twin.Features = map[string]Feature{}
		}
		props, _ := ev.Value.(bson.M)
		twin.Features[ev.FeatureId] = Feature{Properties: deepCopyM(props)}

	case EventFeaturePropertiesCreated:
		if twin.Features == nil {
			twin.Features = map[string]Feature{}
		}
		feat := twin.Features[ev.FeatureId]
		props, _ := ev.Value.(bson.M)
		feat.Properties = deepCopyM(props)
		twin.Features[ev.FeatureId] = feat

	case EventFeaturePropertyModified:
		if twin.Features == nil {
			twin.Features = map[string]Feature{}
		}
		feat := twin.Features[ev.FeatureId]
		if feat.Properties == nil {
			feat.Properties = bson.M{}
		}
		setPointer(feat.Properties, ev.Pointer, ev.Value)
		twin.Features[ev.FeatureId] = feat

	case EventFeatureDefinitionCreated:
		if twin.Features == nil {
			twin.Features = map[string]Feature{}
		}
		feat := twin.Features[ev.FeatureId]
		def, _ := ev.Value.([]string)
		feat.Definition = def
		twin.Features[ev.FeatureId] = feat

	case EventPolicyIdChanged:
		twin.PolicyId = ev.NewPolicyId

	default:
		return &ValidationError{Field: "event.kind", Reason: fmt.Sprintf("unknown event kind %q", ev.Kind)}
	}

	twin.Revision = ev.Revision
	twin.Modified = ev.Timestamp
	return nil
}

// setPointer writes value at a "/"-separated path under m, creating
// intermediate bson.M nodes as needed.
func setPointer(m bson.M, pointer string, value interface{}) {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return
	}
	segments := strings.Split(pointer, "/")
	cur := m
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(bson.M)
		if !ok {
			next = bson.M{}
			cur[seg] = next
		}
		cur = next
	}
}

// ApplyEvents applies a revision-ordered sequence of events to a twin
// snapshot, enforcing the idempotence and gap rules of §4.3:
//   - any event with revision <= current.Revision is dropped
//   - an event with revision == current.Revision+1 is applied
//   - a gap (missing intermediate revision) forces the caller to fall back
//     to a full fetch, signaled by ErrRevisionGap
var ErrRevisionGap = fmt.Errorf("missing intermediate revision")

// ApplyEvents returns the updated twin, or ErrRevisionGap if events contains
// a gap relative to twin.Revision that cannot be bridged incrementally. A
// Deleted event yields ErrMissingEntity; an unknown kind or a Created/Modified
// event without a bson.M payload yields a *ValidationError.
func ApplyEvents(twin *Twin, events []Event) (*Twin, error) {
	next := twin.Copy()
	for _, ev := range events {
		if ev.Revision <= next.Revision {
			continue
		}
		if ev.Revision != next.Revision+1 {
			return nil, ErrRevisionGap
		}
		if err := applyEvent(next, ev); err != nil {
			return nil, err
		}
	}
	return next, nil
}
