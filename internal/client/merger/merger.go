// Package merger applies local and remote edits to collaborative text fields.
//
// A collaborative field is configured per entity type. Its value in the entity record
// is always the text of the replicated document stored next to it; edits to it travel
// as document deltas and never take part in version checks.
package merger

import (
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

// ErrNotText is returned when a collaborative field is assigned a non-string value.
var ErrNotText = errors.New("collaborative field value must be a string")

// Merger knows which fields are collaborative and edits their documents as one replica.
type Merger struct {
	fields map[string]map[string]struct{}
	nodeID string
}

// New creates a merger for the replica nodeID.
// fields maps an entity type to its collaborative field names.
func New(nodeID string, fields map[string][]string) *Merger {
	m := &Merger{
		nodeID: nodeID,
		fields: make(map[string]map[string]struct{}, len(fields)),
	}
	for entityType, names := range fields {
		set := make(map[string]struct{}, len(names))
		for _, name := range names {
			set[name] = struct{}{}
		}
		m.fields[entityType] = set
	}
	return m
}

// NodeID returns the replica id used for local operations.
func (m *Merger) NodeID() string {
	return m.nodeID
}

// IsCollaborative reports whether field of entityType is merged as text.
func (m *Merger) IsCollaborative(entityType, field string) bool {
	_, ok := m.fields[entityType][field]
	return ok
}

// Split separates ordinary fields from collaborative ones.
func (m *Merger) Split(entityType string, fields map[string]any) (ordinary, collaborative map[string]any) {
	ordinary = make(map[string]any, len(fields))
	collaborative = make(map[string]any)
	for name, value := range fields {
		if m.IsCollaborative(entityType, name) {
			collaborative[name] = value
			continue
		}
		ordinary[name] = value
	}
	return ordinary, collaborative
}

// Edit is the result of a local change to one collaborative field.
type Edit struct {
	State   *models.CRDTFieldState
	Delta   models.CRDTDelta
	Changed bool
}

// LocalEdit turns a new field value into document operations. state may be nil for a
// field that was never edited or pulled. A nil value clears the text.
func (m *Merger) LocalEdit(
	state *models.CRDTFieldState,
	entityType, entityID, field string,
	value any,
	now time.Time,
) (*Edit, error) {
	text, err := textValue(value)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}

	doc, err := m.document(state)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}

	delta, changed, err := doc.SetText(text)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}

	next, err := m.snapshot(state, doc, entityType, entityID, field, now)
	if err != nil {
		return nil, err
	}

	edit := &Edit{State: next, Changed: changed}
	if changed {
		encoded, err := delta.Encode()
		if err != nil {
			return nil, err
		}
		edit.Delta = models.CRDTDelta{Delta: encoded, StateVector: doc.StateVector()}
	}

	return edit, nil
}

// MergeRemote merges an encoded remote state or delta into the local document and
// returns the new state together with the merged text.
func (m *Merger) MergeRemote(
	state *models.CRDTFieldState,
	entityType, entityID, field string,
	remote []byte,
	now time.Time,
) (*models.CRDTFieldState, string, error) {
	doc, err := m.document(state)
	if err != nil {
		return nil, "", fmt.Errorf("field %s: %w", field, err)
	}

	remoteDelta, err := crdt.DecodeDelta(remote)
	if err != nil {
		return nil, "", fmt.Errorf("field %s: %w", field, err)
	}
	if err := doc.Apply(remoteDelta); err != nil {
		return nil, "", fmt.Errorf("field %s: %w", field, err)
	}

	next, err := m.snapshot(state, doc, entityType, entityID, field, now)
	if err != nil {
		return nil, "", err
	}

	// вектор сервера: все, что содержит присланное состояние
	remoteDoc := crdt.NewDocument("")
	if err := remoteDoc.Apply(remoteDelta); err != nil {
		return nil, "", fmt.Errorf("field %s: %w", field, err)
	}
	remoteVector := crdt.StateVector(next.RemoteVector)
	if remoteVector == nil {
		remoteVector = crdt.StateVector{}
	}
	remoteVector.Merge(remoteDoc.StateVector())
	next.RemoteVector = remoteVector

	return next, doc.Text(), nil
}

// Unsent returns the local operations the server is not known to have, or false
// if there are none.
func (m *Merger) Unsent(state *models.CRDTFieldState) (models.CRDTDelta, bool, error) {
	if state == nil {
		return models.CRDTDelta{}, false, nil
	}

	doc, err := m.document(state)
	if err != nil {
		return models.CRDTDelta{}, false, err
	}

	delta := doc.DeltaSince(crdt.StateVector(state.RemoteVector))
	if delta.Empty() {
		return models.CRDTDelta{}, false, nil
	}

	encoded, err := delta.Encode()
	if err != nil {
		return models.CRDTDelta{}, false, err
	}
	return models.CRDTDelta{Delta: encoded, StateVector: doc.StateVector()}, true, nil
}

// Text returns the current text of the field document.
func (m *Merger) Text(state *models.CRDTFieldState) (string, error) {
	doc, err := m.document(state)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}

func (m *Merger) document(state *models.CRDTFieldState) (*crdt.Document, error) {
	if state == nil || len(state.State) == 0 {
		return crdt.NewDocument(m.nodeID), nil
	}
	return crdt.DecodeDocument(m.nodeID, state.State)
}

func (m *Merger) snapshot(
	prev *models.CRDTFieldState,
	doc *crdt.Document,
	entityType, entityID, field string,
	now time.Time,
) (*models.CRDTFieldState, error) {
	encoded, err := doc.EncodeState()
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}

	next := &models.CRDTFieldState{
		EntityType:  entityType,
		EntityID:    entityID,
		FieldName:   field,
		State:       encoded,
		LocalVector: doc.StateVector(),
		UpdatedAt:   now,
	}
	if prev != nil && prev.RemoteVector != nil {
		next.RemoteVector = crdt.StateVector(prev.RemoteVector).Clone()
	}
	return next, nil
}

func textValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	return "", ErrNotText
}
