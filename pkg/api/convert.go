package api

import (
	"github.com/iudanet/fieldsync/internal/models"
)

// RecordFromModel converts a local record to its wire form.
func RecordFromModel(r *models.EntityRecord, crdtState map[string][]byte) Record {
	rec := Record{
		ID:         r.ID,
		EntityType: r.EntityType,
		Fields:     r.Fields,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
		DeletedAt:  r.DeletedAt,
		CRDTState:  crdtState,
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec
}

// Model converts the wire record to a clean local record.
func (r Record) Model() *models.EntityRecord {
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return &models.EntityRecord{
		ID:         r.ID,
		EntityType: r.EntityType,
		Fields:     fields,
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt,
		DeletedAt:  r.DeletedAt,
	}
}

// PushRequestFromIntent builds the wire request of an outbox intent.
func PushRequestFromIntent(intent *models.MutationIntent) PushRequest {
	req := PushRequest{
		IdempotencyKey: intent.ID,
		EntityType:     intent.EntityType,
		EntityID:       intent.EntityID,
		Operation:      string(intent.Operation),
		BaseVersion:    intent.BaseVersion,
		Fields:         intent.Payload.Fields,
	}

	if len(intent.Payload.CRDT) > 0 {
		req.CRDTDeltas = make(map[string][]byte, len(intent.Payload.CRDT))
		req.StateVectors = make(map[string]map[string]uint64, len(intent.Payload.CRDT))
		for field, d := range intent.Payload.CRDT {
			req.CRDTDeltas[field] = d.Delta
			req.StateVectors[field] = d.StateVector
		}
	}

	return req
}

// Payload returns the tagged payload carried by the request.
func (r PushRequest) Payload() models.Payload {
	p := models.Payload{Fields: r.Fields}
	if len(r.CRDTDeltas) > 0 {
		p.CRDT = make(map[string]models.CRDTDelta, len(r.CRDTDeltas))
		for field, delta := range r.CRDTDeltas {
			p.CRDT[field] = models.CRDTDelta{Delta: delta, StateVector: r.StateVectors[field]}
		}
	}
	return p
}
