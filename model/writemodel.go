package model

import "go.mongodb.org/mongo-driver/bson"

// WriteModel is the tagged union of §3's per-twin pending search-index
// change: Delete, Put (full replacement), or Patch (conditional partial
// update). The teacher's storage.go expresses an analogous idea with its
// multi-format Diff struct; here the three cases genuinely differ in shape
// (a delete carries no document at all), so a sealed interface is the
// faithful generalization rather than one struct with optional fields.
type WriteModel interface {
	// TwinId returns the twin this write model applies to.
	TwinId() TwinId
	// Revision returns the revision this write model was computed at.
	Revision() int64
	// Meta returns the metadata accumulated for this write.
	Meta() *Metadata

	isWriteModel()
}

// DeleteModel removes the twin's search-index document.
type DeleteModel struct {
	metadata *Metadata
}

// NewDeleteModel returns a DeleteModel for metadata.
func NewDeleteModel(metadata *Metadata) *DeleteModel {
	return &DeleteModel{metadata: metadata}
}

func (d *DeleteModel) TwinId() TwinId    { return d.metadata.TwinId }
func (d *DeleteModel) Revision() int64   { return d.metadata.ThingRevision }
func (d *DeleteModel) Meta() *Metadata   { return d.metadata }
func (*DeleteModel) isWriteModel()       {}

// PutModel fully replaces the twin's search-index document.
type PutModel struct {
	metadata *Metadata
	Document bson.M
}

// NewPutModel returns a PutModel for metadata with the projected document.
func NewPutModel(metadata *Metadata, document bson.M) *PutModel {
	return &PutModel{metadata: metadata, Document: document}
}

func (p *PutModel) TwinId() TwinId  { return p.metadata.TwinId }
func (p *PutModel) Revision() int64 { return p.metadata.ThingRevision }
func (p *PutModel) Meta() *Metadata { return p.metadata }
func (*PutModel) isWriteModel()     {}

// PatchModel conditionally partially updates the document, applied only if
// the persisted revision still matches FilterRevision (§4.5).
type PatchModel struct {
	metadata       *Metadata
	Update         bson.M // { "$set": ..., "$unset": ... }
	FilterRevision int64
}

// NewPatchModel returns a PatchModel for metadata.
func NewPatchModel(metadata *Metadata, update bson.M, filterRevision int64) *PatchModel {
	return &PatchModel{metadata: metadata, Update: update, FilterRevision: filterRevision}
}

func (p *PatchModel) TwinId() TwinId  { return p.metadata.TwinId }
func (p *PatchModel) Revision() int64 { return p.metadata.ThingRevision }
func (p *PatchModel) Meta() *Metadata { return p.metadata }
func (*PatchModel) isWriteModel()     {}

var (
	_ WriteModel = (*DeleteModel)(nil)
	_ WriteModel = (*PutModel)(nil)
	_ WriteModel = (*PatchModel)(nil)
)
