package model

import (
	"time"

	"github.com/jinzhu/copier"
	"go.mongodb.org/mongo-driver/bson"
)

// Feature is a named aspect of a twin with its own properties and definition.
type Feature struct {
	Definition        []string `bson:"definition,omitempty"`
	Properties        bson.M   `bson:"properties,omitempty"`
	DesiredProperties bson.M   `bson:"desiredProperties,omitempty"`
}

// Copy returns a deep copy of the Feature.
func (f Feature) Copy() Feature {
	var out Feature
	out.Definition = append([]string(nil), f.Definition...)
	out.Properties = deepCopyM(f.Properties)
	out.DesiredProperties = deepCopyM(f.DesiredProperties)
	return out
}

// Twin is the authoritative JSON representation of a digital twin (§3).
type Twin struct {
	TwinId     TwinId             `bson:"thingId"`
	PolicyId   PolicyId           `bson:"policyId"`
	Revision   int64              `bson:"_revision"`
	Attributes bson.M             `bson:"attributes,omitempty"`
	Features   map[string]Feature `bson:"features,omitempty"`
	Modified   time.Time          `bson:"_modified"`
	Metadata   bson.M             `bson:"_metadata,omitempty"`
}

// Copy returns a deep copy of the Twin, the Cachable[T] contract the entity
// cache relies on to hand out snapshots that callers may freely mutate.
func (t *Twin) Copy() *Twin {
	if t == nil {
		return nil
	}
	out := &Twin{
		TwinId:     t.TwinId,
		PolicyId:   t.PolicyId,
		Revision:   t.Revision,
		Attributes: deepCopyM(t.Attributes),
		Modified:   t.Modified,
		Metadata:   deepCopyM(t.Metadata),
	}
	if t.Features != nil {
		out.Features = make(map[string]Feature, len(t.Features))
		for id, feat := range t.Features {
			out.Features[id] = feat.Copy()
		}
	}
	return out
}

// deepCopyM deep-copies a bson.M via copier, matching the teacher's use of
// jinzhu/copier for pointer-valued subtree duplication rather than hand
// writing a recursive walk for every dynamic document.
func deepCopyM(m bson.M) bson.M {
	if m == nil {
		return nil
	}
	var out bson.M
	if err := copier.CopyWithOption(&out, m, copier.Option{DeepCopy: true}); err != nil {
		// Fall back to a shallow copy; copier only fails on unsupported
		// reflect kinds, which bson.M's JSON-shaped values never hit.
		out = make(bson.M, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
