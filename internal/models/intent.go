package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation тип изменения, записанного в outbox.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// IntentState состояние намерения в outbox.
type IntentState string

const (
	IntentPending      IntentState = "pending"       // ожидает отправки
	IntentInFlight     IntentState = "in_flight"     // отправляется на сервер
	IntentConflicted   IntentState = "conflicted"    // удерживается до разрешения конфликта
	IntentDeadLettered IntentState = "dead_lettered" // исчерпан лимит попыток или ошибка не повторяемая
)

// CRDTDelta is the replicated part of a payload: an encoded delta of one
// collaborative field plus the sender's state vector after producing it.
type CRDTDelta struct {
	StateVector map[string]uint64 `json:"state_vector"`
	Delta       []byte            `json:"delta"`
}

// Payload разделяет обычные поля и CRDT дельты, чтобы версионная проверка
// применялась только к обычным полям.
type Payload struct {
	Fields map[string]any       `json:"fields,omitempty"` // snapshot для create, diff для update
	CRDT   map[string]CRDTDelta `json:"crdt,omitempty"`   // дельты коллаборативных полей
}

// HasFields reports whether the payload carries ordinary (version checked) fields.
func (p Payload) HasFields() bool {
	return len(p.Fields) > 0
}

// MutationIntent is one durable write intent waiting for server acknowledgment.
// ID doubles as the idempotency key sent with every push attempt.
type MutationIntent struct {
	CreatedAt     time.Time   `json:"created_at"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	Payload       Payload     `json:"payload"`
	ID            string      `json:"id"`
	EntityType    string      `json:"entity_type"`
	EntityID      string      `json:"entity_id"`
	Operation     Operation   `json:"operation"`
	State         IntentState `json:"state"`
	LastError     string      `json:"last_error,omitempty"`
	BaseVersion   int64       `json:"base_version"`
	Seq           uint64      `json:"seq"`
	AttemptCount  int         `json:"attempt_count"`
}

// NewIntent creates a pending intent with a fresh idempotency id, ready at now.
func NewIntent(entityType, entityID string, op Operation, baseVersion int64, payload Payload, now time.Time) *MutationIntent {
	return &MutationIntent{
		ID:            uuid.New().String(),
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		State:         IntentPending,
		BaseVersion:   baseVersion,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// EntityKey returns the key of the entity the intent targets.
func (i *MutationIntent) EntityKey() string {
	return EntityKey(i.EntityType, i.EntityID)
}

// DeadLetter хранит намерение, которое больше не будет отправляться автоматически.
type DeadLetter struct {
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	Intent         *MutationIntent `json:"intent"`
	Kind           string          `json:"kind"`  // Kind класс ошибки: "validation", "permission", "retries_exhausted"
	Error          string          `json:"error"` // Error текст последней ошибки
}

// Dead-letter kinds
const (
	DeadLetterValidation       = "validation"
	DeadLetterPermission       = "permission"
	DeadLetterRetriesExhausted = "retries_exhausted"
)
