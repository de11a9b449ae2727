package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
)

func assertGolden(t *testing.T, name string, v any) {
	t.Helper()

	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}

func TestWireFormat(t *testing.T) {
	updatedAt := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value any
		name  string
	}{
		{
			name: "push_request",
			value: PushRequest{
				Fields:         map[string]any{"stage": "won"},
				CRDTDeltas:     map[string][]byte{"notes": []byte("delta")},
				StateVectors:   map[string]map[string]uint64{"notes": {"node-a": 3}},
				IdempotencyKey: "intent-1",
				EntityType:     "deal",
				EntityID:       "d-1",
				Operation:      "update",
				BaseVersion:    4,
			},
		},
		{
			name: "conflict_response",
			value: ConflictResponse{
				ServerData: &Record{
					UpdatedAt:  updatedAt,
					Fields:     map[string]any{"stage": "lost"},
					EntityType: "deal",
					ID:         "d-1",
					Version:    5,
				},
				Error:         ErrorVersionConflict,
				ServerVersion: 5,
			},
		},
		{
			name: "pull_response",
			value: PullResponse{
				Records: []Record{{
					UpdatedAt:  updatedAt,
					Fields:     map[string]any{"name": "Ann"},
					CRDTState:  map[string][]byte{"notes": []byte("state")},
					EntityType: "contact",
					ID:         "c-1",
					Version:    2,
				}},
				NextCursor: "17",
				HasMore:    true,
			},
		},
		{
			name:  "change_event",
			value: ChangeEvent{Type: EventChanged, Cursor: "17"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertGolden(t, tt.name, tt.value)
		})
	}
}

func TestPushRequestFromIntent(t *testing.T) {
	intent := &models.MutationIntent{
		ID:          "intent-1",
		EntityType:  "deal",
		EntityID:    "d-1",
		Operation:   models.OperationUpdate,
		BaseVersion: 4,
		Payload: models.Payload{
			Fields: map[string]any{"stage": "won"},
			CRDT: map[string]models.CRDTDelta{
				"notes": {Delta: []byte("delta"), StateVector: map[string]uint64{"node-a": 3}},
			},
		},
	}

	req := PushRequestFromIntent(intent)
	assert.Equal(t, "intent-1", req.IdempotencyKey)
	assert.Equal(t, "update", req.Operation)
	assert.Equal(t, []byte("delta"), req.CRDTDeltas["notes"])
	assert.Equal(t, uint64(3), req.StateVectors["notes"]["node-a"])

	assert.Equal(t, intent.Payload, req.Payload())

	plain := PushRequestFromIntent(&models.MutationIntent{ID: "i", Operation: models.OperationDelete})
	assert.Nil(t, plain.CRDTDeltas)
	assert.Nil(t, plain.Payload().CRDT)
}

func TestRecordModel(t *testing.T) {
	deletedAt := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	rec := Record{ID: "c-1", EntityType: "contact", Version: 3, DeletedAt: &deletedAt}

	m := rec.Model()
	assert.Equal(t, "contact/c-1", m.Key())
	assert.True(t, m.IsDeleted())
	assert.NotNil(t, m.Fields)
	assert.False(t, m.Dirty)

	back := RecordFromModel(m, nil)
	assert.Equal(t, rec.Version, back.Version)
	assert.Equal(t, map[string]any{}, back.Fields)
}
