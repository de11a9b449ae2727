package storage

import (
	"context"
	"iter"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

//go:generate moq -out storage_mock.go . Store

// EntityStorage is the local entity cache.
type EntityStorage interface {
	// Put upserts a record and marks it dirty
	Put(ctx context.Context, record *models.EntityRecord) error

	// AckPut stores a server-confirmed record: clears dirty and sets version.
	// Only the sync path calls it
	AckPut(ctx context.Context, record *models.EntityRecord, version int64) error

	// ApplyRemote stores a pulled record unless the entity has queued intents or the
	// local copy is dirty. Returns false when local changes are pending; the record is left untouched then.
	// A local copy with a higher version is kept. A corrupted local copy is quarantined and replaced
	ApplyRemote(ctx context.Context, record *models.EntityRecord, states []*models.CRDTFieldState) (bool, error)

	// Get returns the record or its tombstone
	// Returns ErrEntityNotFound if the entity is unknown, ErrCorrupted if it cannot be decoded
	Get(ctx context.Context, entityType, id string) (*models.EntityRecord, error)

	// Query lazily yields non-deleted records of the type accepted by predicate.
	// Every range over the sequence opens a fresh read transaction
	Query(ctx context.Context, entityType string, predicate func(*models.EntityRecord) bool) iter.Seq2[*models.EntityRecord, error]

	// LocalWrite atomically stores the record (dirty), appends the intent and saves
	// the CRDT states. Nothing is persisted if any part fails.
	// Returns ErrIntentExists if the intent id is already queued
	LocalWrite(ctx context.Context, record *models.EntityRecord, intent *models.MutationIntent, states []*models.CRDTFieldState) error

	// QuarantineEntity moves an undecodable record out of the entity collection
	QuarantineEntity(ctx context.Context, entityType, id string) error

	// PurgeTombstones hard-deletes clean tombstones deleted before the given time
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
}

// RetrySchedule decides when a failed intent is retried. attempt is the attempt
// count after the failure; ok=false moves the intent to the dead-letter collection.
type RetrySchedule func(attempt int) (next time.Time, ok bool)

// OutboxStorage is the durable ordered log of unacknowledged write intents.
type OutboxStorage interface {
	// Enqueue appends an intent keyed by its idempotency id.
	// Enqueueing an id that is already queued is a no-op
	Enqueue(ctx context.Context, intent *models.MutationIntent) error

	// GetIntent returns a queued intent
	GetIntent(ctx context.Context, id string) (*models.MutationIntent, error)

	// EntityIntents returns the queued intents of one entity in creation order
	EntityIntents(ctx context.Context, entityType, entityID string) ([]*models.MutationIntent, error)

	// DequeueReady claims up to limit head intents (one per entity) that are pending
	// and due at now, ordered by (entity, creation). Claimed intents become in_flight
	DequeueReady(ctx context.Context, now time.Time, limit int) ([]*models.MutationIntent, error)

	// Ack removes the intent, rebases the entity's remaining intents onto the
	// canonical version and stores the canonical record with the CRDT states.
	// A non-nil repair intent is appended to the entity's queue in the same transaction
	Ack(
		ctx context.Context,
		id string,
		canonical *models.EntityRecord,
		states []*models.CRDTFieldState,
		repair *models.MutationIntent,
	) error

	// Unclaim returns an in-flight intent to the pending state without counting an attempt
	Unclaim(ctx context.Context, id string) error

	// Reschedule records a failed attempt. Returns the dead letter when the schedule gives up
	Reschedule(ctx context.Context, id, lastErr string, schedule RetrySchedule) (*models.MutationIntent, *models.DeadLetter, error)

	// Hold parks the intent in the conflicted state
	Hold(ctx context.Context, id string) error

	// Release rebases every intent of the entity onto newBase and makes held ones pending
	Release(ctx context.Context, entityType, entityID string, newBase int64, now time.Time) error

	// Discard removes every intent of the entity and returns them
	Discard(ctx context.Context, entityType, entityID string) ([]*models.MutationIntent, error)

	// DeadLetter moves the intent to the dead-letter collection
	DeadLetter(ctx context.Context, id, kind, lastErr string, at time.Time) (*models.DeadLetter, error)

	// ListDeadLetters returns all dead-lettered intents
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)

	// RequeueDeadLetter puts a dead-lettered intent back at the end of its entity's queue
	RequeueDeadLetter(ctx context.Context, id string, now time.Time) error

	// PendingCount returns the number of queued intents in any state
	PendingCount(ctx context.Context) (int, error)
}

// CRDTStorage keeps the replicated documents of collaborative fields.
type CRDTStorage interface {
	// GetFieldState returns the state of one field
	// Returns ErrFieldStateNotFound if the field was never edited or pulled
	GetFieldState(ctx context.Context, entityType, entityID, field string) (*models.CRDTFieldState, error)

	// SaveFieldStates upserts field states
	SaveFieldStates(ctx context.Context, states ...*models.CRDTFieldState) error

	// ListFieldStates returns every field state of the entity
	ListFieldStates(ctx context.Context, entityType, entityID string) ([]*models.CRDTFieldState, error)
}

// ConflictStorage keeps one conflict case per entity.
type ConflictStorage interface {
	// SaveConflict stores or replaces the case of the entity
	SaveConflict(ctx context.Context, c *models.ConflictCase) error

	// GetConflict returns the case of the entity
	// Returns ErrConflictNotFound if there is none
	GetConflict(ctx context.Context, entityType, entityID string) (*models.ConflictCase, error)

	// ListConflicts returns cases, optionally only unresolved ones
	ListConflicts(ctx context.Context, pendingOnly bool) ([]*models.ConflictCase, error)

	// SettleConflict applies a resolution in one transaction: the entity's intents are
	// discarded together with its dead letters (or rebased when Keep is set), the record,
	// intent and field states are stored and the resolved case is saved
	SettleConflict(ctx context.Context, s *Settlement) error
}

// Settlement is the local outcome of a conflict resolution.
type Settlement struct {
	At       time.Time
	Conflict *models.ConflictCase   // решенный случай
	Record   *models.EntityRecord   // nil оставляет запись как есть
	Intent   *models.MutationIntent // ставится в очередь после сброса намерений сущности
	States   []*models.CRDTFieldState
	Keep     bool // намерения сущности переносятся на серверную версию случая и освобождаются
}

// MetadataStorage defines interface for storing client sync metadata
type MetadataStorage interface {
	// SaveCursor saves the pull cursor of the last successful sync
	SaveCursor(ctx context.Context, cursor string) error

	// GetCursor returns the pull cursor, empty if no pull has completed yet
	GetCursor(ctx context.Context) (string, error)

	// EnsureNodeID returns the replica id of this device, generating it once
	EnsureNodeID(ctx context.Context) (string, error)
}

// QuarantineEntry is a raw value that failed to decode.
type QuarantineEntry struct {
	Collection string
	Key        string
	Raw        []byte
}

// Store combines every local collection the sync engine needs.
type Store interface {
	EntityStorage
	OutboxStorage
	CRDTStorage
	ConflictStorage
	MetadataStorage

	// ListQuarantined returns values set aside as corrupted
	ListQuarantined(ctx context.Context) ([]QuarantineEntry, error)
}
