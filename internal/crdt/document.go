package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var (
	// ErrInvalidSnapshot indicates that a stored document snapshot could not be decoded.
	ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")
	// ErrInvalidUpdate indicates that an incoming update payload could not be merged.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrMissingEdit indicates that a local edit function was not provided.
	ErrMissingEdit = errors.New("crdt: edit function is required")
)

// Document wraps an automerge document holding a node's durable state.
// Attributes are always a recomputable projection of this state; nothing else
// is allowed to act as a source of truth for attribute reads.
//
// A Document is not safe for concurrent use. Convergence guarantees apply to
// concurrent edits from different replicas, not to shared-memory access.
type Document struct {
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load rehydrates a document from its last known full-state snapshot. An empty
// snapshot yields a fresh document.
func Load(snapshot []byte) (*Document, error) {
	if len(snapshot) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	document := &Document{doc: doc}
	// Flush the incremental-save marker so the next diff covers exactly the
	// edits applied through this handle.
	_ = document.doc.SaveIncremental()
	return document, nil
}

// ApplyLocalEdit runs a transactional mutation against the document and
// returns the new full snapshot to persist together with the minimal diff to
// transmit to other replicas.
func (d *Document) ApplyLocalEdit(edit func(doc *automerge.Doc) error) (snapshot []byte, diff []byte, err error) {
	if edit == nil {
		return nil, nil, ErrMissingEdit
	}
	if err := edit(d.doc); err != nil {
		return nil, nil, err
	}
	diff = d.doc.SaveIncremental()
	snapshot = d.doc.Save()
	return snapshot, diff, nil
}

// ApplyRemoteUpdate merges an externally produced diff into the document and
// returns the new full snapshot. Merging is order-independent and idempotent:
// applying the same diff twice, or two diffs in either order, converges to the
// same document.
func (d *Document) ApplyRemoteUpdate(diff []byte) ([]byte, error) {
	if len(diff) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	if err := d.doc.LoadIncremental(diff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return d.doc.Save(), nil
}

// Project recomputes the derived attribute view as a JSON object.
func (d *Document) Project() (json.RawMessage, error) {
	attributes, err := automerge.As[map[string]any](d.doc.Root())
	if err != nil {
		return nil, fmt.Errorf("crdt: project failed: %w", err)
	}
	payload, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("crdt: project encode failed: %w", err)
	}
	return payload, nil
}

// Save returns the current full-state snapshot.
func (d *Document) Save() []byte {
	return d.doc.Save()
}
