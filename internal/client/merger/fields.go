package merger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/models"
)

// StateReader reads stored field documents.
type StateReader interface {
	GetFieldState(ctx context.Context, entityType, entityID, field string) (*models.CRDTFieldState, error)
}

// Merged is the outcome of merging server states of several fields.
type Merged struct {
	Texts  map[string]string
	States []*models.CRDTFieldState
}

// MergeServerStates merges the server state of each collaborative field into the
// stored local document. Fields that are not collaborative for entityType are ignored.
func (m *Merger) MergeServerStates(
	ctx context.Context,
	reader StateReader,
	entityType, entityID string,
	remote map[string][]byte,
	now time.Time,
) (*Merged, error) {
	out := &Merged{Texts: make(map[string]string, len(remote))}

	for field, state := range remote {
		if !m.IsCollaborative(entityType, field) || len(state) == 0 {
			continue
		}

		local, err := reader.GetFieldState(ctx, entityType, entityID, field)
		if err != nil && !errors.Is(err, storage.ErrFieldStateNotFound) {
			return nil, fmt.Errorf("failed to load field state: %w", err)
		}

		next, text, err := m.MergeRemote(local, entityType, entityID, field, state, now)
		if err != nil {
			return nil, err
		}

		out.States = append(out.States, next)
		out.Texts[field] = text
	}

	return out, nil
}

// Apply writes merged texts into the record fields.
func (mr *Merged) Apply(record *models.EntityRecord) {
	if record == nil || len(mr.Texts) == 0 {
		return
	}
	if record.Fields == nil {
		record.Fields = make(map[string]any, len(mr.Texts))
	}
	for field, text := range mr.Texts {
		record.Fields[field] = text
	}
}

// UnsentDeltas collects local operations of every stored field document that the
// server is not known to have.
func (m *Merger) UnsentDeltas(states []*models.CRDTFieldState) (map[string]models.CRDTDelta, error) {
	var out map[string]models.CRDTDelta

	for _, st := range states {
		if !m.IsCollaborative(st.EntityType, st.FieldName) {
			continue
		}
		delta, ok, err := m.Unsent(st)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", st.FieldName, err)
		}
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]models.CRDTDelta)
		}
		out[st.FieldName] = delta
	}

	return out, nil
}

// Stranded returns the unsent operations of every field that has some operation
// carried by none of the queued intents. Such operations belonged to an intent that
// never reached the server; the whole unsent delta of the field is returned so that
// the server can integrate it in one step.
func (m *Merger) Stranded(
	states []*models.CRDTFieldState,
	queued []*models.MutationIntent,
) (map[string]models.CRDTDelta, error) {
	unsent, err := m.UnsentDeltas(states)
	if err != nil || len(unsent) == 0 {
		return nil, err
	}

	var out map[string]models.CRDTDelta
	for field, delta := range unsent {
		carried, err := carriedOps(queued, field)
		if err != nil {
			return nil, err
		}

		ops, err := crdt.DecodeDelta(delta.Delta)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		for _, op := range ops.Ops {
			if _, ok := carried[op.ID]; ok {
				continue
			}
			if out == nil {
				out = make(map[string]models.CRDTDelta)
			}
			out[field] = delta
			break
		}
	}

	return out, nil
}

// carriedOps собирает идентификаторы операций поля из дельт намерений очереди
func carriedOps(queued []*models.MutationIntent, field string) (map[crdt.OpID]struct{}, error) {
	carried := make(map[crdt.OpID]struct{})
	for _, intent := range queued {
		delta, ok := intent.Payload.CRDT[field]
		if !ok || len(delta.Delta) == 0 {
			continue
		}
		ops, err := crdt.DecodeDelta(delta.Delta)
		if err != nil {
			return nil, fmt.Errorf("intent %s field %s: %w", intent.ID, field, err)
		}
		for _, op := range ops.Ops {
			carried[op.ID] = struct{}{}
		}
	}
	return carried, nil
}

// ApplyStates writes the text of every collaborative field document into the record.
func (m *Merger) ApplyStates(record *models.EntityRecord, states []*models.CRDTFieldState) error {
	for _, st := range states {
		if st == nil || !m.IsCollaborative(record.EntityType, st.FieldName) {
			continue
		}
		text, err := m.Text(st)
		if err != nil {
			return fmt.Errorf("field %s: %w", st.FieldName, err)
		}
		if record.Fields == nil {
			record.Fields = map[string]any{}
		}
		record.Fields[st.FieldName] = text
	}
	return nil
}

// ReplaceStates returns states with the entries of the same fields replaced by updated.
func ReplaceStates(states, updated []*models.CRDTFieldState) []*models.CRDTFieldState {
	out := make([]*models.CRDTFieldState, 0, len(states)+len(updated))
	seen := make(map[string]bool, len(updated))
	for _, st := range updated {
		seen[st.FieldName] = true
		out = append(out, st)
	}
	for _, st := range states {
		if !seen[st.FieldName] {
			out = append(out, st)
		}
	}
	return out
}
