package storage

import (
	"context"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

// PushResult итог применения намерения на сервере
type PushResult struct {
	Record    *models.EntityRecord `json:"record"`               // Record каноническая запись после применения (или текущая при конфликте)
	CRDTState map[string][]byte    `json:"crdt_state,omitempty"` // CRDTState полное состояние совместных полей
	Version   int64                `json:"version"`              // Version новая версия (текущая при конфликте)
	Seq       int64                `json:"seq"`                  // Seq позиция в журнале изменений
	Conflict  bool                 `json:"-"`                    // Conflict базовая версия не совпала с текущей
	Replay    bool                 `json:"-"`                    // Replay намерение уже применялось с тем же ключом
}

// Change представляет последнее состояние сущности в журнале изменений
type Change struct {
	Record    *models.EntityRecord
	CRDTState map[string][]byte
	Seq       int64
}

// EntityStorage defines the authoritative entity store used by the sync endpoints.
type EntityStorage interface {
	// Push applies one mutation intent atomically with optimistic version checking.
	// A version mismatch is reported as a result with Conflict set, not as an error.
	// A repeated idempotency key returns the stored result with Replay set.
	// Returns ErrEntityNotFound when an update or delete targets a missing entity,
	// ErrInvalidMutation for malformed intents and ErrIdempotencyMismatch when the
	// key was already used for a different payload.
	Push(ctx context.Context, intent *models.MutationIntent, now time.Time) (*PushResult, error)

	// ChangesSince returns up to limit entities whose last change is after seq,
	// ordered by seq. Tombstones are included.
	ChangesSince(ctx context.Context, seq int64, limit int) ([]Change, error)

	// GetEntity returns the current state of one entity, including tombstones.
	// Returns ErrEntityNotFound if the entity never existed.
	GetEntity(ctx context.Context, entityType, id string) (*Change, error)

	// LatestSeq returns the seq of the most recent change, 0 for an empty store.
	LatestSeq(ctx context.Context) (int64, error)

	// PurgeIdempotency removes idempotency records created before the given time.
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}
