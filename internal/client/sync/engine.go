// Package sync drives the outbox against the authoritative store: it pushes queued
// intents, classifies the answers, pulls remote changes and surfaces conflicts.
package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iudanet/fieldsync/internal/client/conflict"
	"github.com/iudanet/fieldsync/internal/client/merger"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/validation"
)

// ErrInvalidEntity is returned for a local write with a malformed entity type, id or field name.
var ErrInvalidEntity = errors.New("invalid entity")

// eventBuffer размер буфера канала Events
const eventBuffer = 64

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, used for scheduling and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine is the sync scheduler of one device.
// Local writes are durable when LocalWrite returns; pushing happens in TriggerSync
// or in the background loop started by Run.
type Engine struct {
	store     storage.Store
	transport transport.Transport
	merger    *merger.Merger
	resolver  *conflict.Resolver
	logger    *slog.Logger
	now       func() time.Time
	events    chan models.StatusEvent
	trigger   chan struct{}

	conflictHandlers []func(*models.ConflictCase)
	statusHandlers   []func(models.StatusEvent)

	group   singleflight.Group
	run     *syncRun
	backoff Backoff
	cfg     Config
	status  models.SyncStatus

	// localMu упорядочивает локальные записи и применение ответов сервера
	localMu stdsync.Mutex
	runMu   stdsync.Mutex
	mu      stdsync.RWMutex
}

// New creates an engine over an opened store.
func New(
	ctx context.Context,
	store storage.Store,
	tr transport.Transport,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	cfg = cfg.withDefaults()

	nodeID, err := store.EnsureNodeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load node id: %w", err)
	}

	e := &Engine{
		store:     store,
		transport: tr,
		merger:    merger.New(nodeID, cfg.Collaborative),
		logger:    logger,
		now:       time.Now,
		events:    make(chan models.StatusEvent, eventBuffer),
		trigger:   make(chan struct{}, 1),
		cfg:       cfg,
		status:    models.StatusIdle,
		backoff: Backoff{
			Base:          cfg.BackoffBase,
			Max:           cfg.BackoffMax,
			JitterPercent: cfg.JitterPercent,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = conflict.NewResolver(store, e.merger, cfg.Policy.Suggestion(), e.now, logger)

	pending, err := store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending intents: %w", err)
	}
	if pending > 0 {
		e.status = models.StatusPending
	}

	logger.Debug("Sync engine created",
		"node_id", nodeID,
		"pending", pending,
		"policy", cfg.Policy,
		"auto_resolve", cfg.AutoResolve)
	return e, nil
}

// NodeID returns the replica id of this device.
func (e *Engine) NodeID() string {
	return e.merger.NodeID()
}

// LocalWrite applies a field patch to the entity and queues it for the server.
// A nil value removes an ordinary field and clears a collaborative one. The entity is
// created when it does not exist locally. Returns the intent id, or "" if the patch
// changes nothing.
func (e *Engine) LocalWrite(ctx context.Context, entityType, entityID string, fields map[string]any) (string, error) {
	if err := validation.ValidateEntityRef(entityType, entityID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	for name := range fields {
		if err := validation.ValidateFieldName(name); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEntity, err)
		}
	}

	intentID, err := e.localWrite(ctx, entityType, entityID, fields)
	if err != nil {
		return "", err
	}
	if intentID != "" {
		e.markPending(ctx)
	}
	return intentID, nil
}

func (e *Engine) localWrite(ctx context.Context, entityType, entityID string, fields map[string]any) (string, error) {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	now := e.now()

	current, err := e.localRecord(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}

	op := models.OperationUpdate
	var baseVersion int64
	record := current.Clone()
	switch {
	case record == nil:
		op = models.OperationCreate
		record = &models.EntityRecord{ID: entityID, EntityType: entityType, Fields: map[string]any{}}
	case record.IsDeleted():
		// восстановление удаленной записи начинается с пустого набора полей
		baseVersion = record.Version
		record.DeletedAt = nil
		record.Fields = map[string]any{}
	default:
		baseVersion = record.Version
	}
	resurrected := current != nil && current.IsDeleted()

	patch, collaborative := e.merger.Split(entityType, fields)
	prev, _ := e.merger.Split(entityType, record.Fields)
	record.ApplyFields(patch)
	next, _ := e.merger.Split(entityType, record.Fields)

	diff := next
	if op == models.OperationUpdate && !resurrected {
		diff = models.DiffFields(prev, next)
	}

	var (
		states []*models.CRDTFieldState
		deltas map[string]models.CRDTDelta
	)
	for field, value := range collaborative {
		state, err := e.fieldState(ctx, entityType, entityID, field)
		if err != nil {
			return "", err
		}
		edit, err := e.merger.LocalEdit(state, entityType, entityID, field, value, now)
		if err != nil {
			return "", err
		}
		text, _ := value.(string)
		record.Fields[field] = text
		if !edit.Changed {
			continue
		}
		if deltas == nil {
			deltas = make(map[string]models.CRDTDelta)
		}
		deltas[field] = edit.Delta
		states = append(states, edit.State)
	}

	if op == models.OperationUpdate && !resurrected && len(diff) == 0 && len(deltas) == 0 {
		return "", nil
	}
	if len(diff) == 0 && op == models.OperationUpdate {
		diff = nil
	}

	record.Dirty = true
	record.UpdatedAt = now
	intent := models.NewIntent(entityType, entityID, op, baseVersion, models.Payload{Fields: diff, CRDT: deltas}, now)

	if err := e.store.LocalWrite(ctx, record, intent, states); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", record.Key(), err)
	}

	e.logger.Debug("Local write queued",
		"entity_type", entityType,
		"entity_id", entityID,
		"intent_id", intent.ID,
		"operation", op)

	return intent.ID, nil
}

// LocalDelete tombstones the entity and queues the delete.
// Returns "" if the entity is already deleted.
func (e *Engine) LocalDelete(ctx context.Context, entityType, entityID string) (string, error) {
	if err := validation.ValidateEntityRef(entityType, entityID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	intentID, err := e.localDelete(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	if intentID != "" {
		e.markPending(ctx)
	}
	return intentID, nil
}

func (e *Engine) localDelete(ctx context.Context, entityType, entityID string) (string, error) {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	current, err := e.localRecord(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", fmt.Errorf("%s: %w", models.EntityKey(entityType, entityID), storage.ErrEntityNotFound)
	}
	if current.IsDeleted() {
		return "", nil
	}

	now := e.now()
	record := current.Clone()
	record.DeletedAt = &now
	record.UpdatedAt = now
	record.Dirty = true

	intent := models.NewIntent(entityType, entityID, models.OperationDelete, current.Version, models.Payload{}, now)
	if err := e.store.LocalWrite(ctx, record, intent, nil); err != nil {
		return "", fmt.Errorf("failed to delete %s: %w", record.Key(), err)
	}

	e.logger.Debug("Local delete queued", "entity_type", entityType, "entity_id", entityID, "intent_id", intent.ID)
	return intent.ID, nil
}

// Get returns the local copy of the entity, including tombstones.
func (e *Engine) Get(ctx context.Context, entityType, entityID string) (*models.EntityRecord, error) {
	return e.store.Get(ctx, entityType, entityID)
}

// Query lazily yields live records of the type accepted by predicate.
func (e *Engine) Query(
	ctx context.Context,
	entityType string,
	predicate func(*models.EntityRecord) bool,
) iter.Seq2[*models.EntityRecord, error] {
	return e.store.Query(ctx, entityType, predicate)
}

// ResolveConflict applies a resolution to the pending conflict of the entity.
// An empty resolution accepts the one suggested on the case.
// mergedFields holds the full field set for models.ResolutionMerged.
func (e *Engine) ResolveConflict(
	ctx context.Context,
	entityType, entityID string,
	resolution models.Resolution,
	mergedFields map[string]any,
) (*models.ConflictCase, error) {
	e.localMu.Lock()
	c, err := e.resolver.Resolve(ctx, entityType, entityID, resolution, mergedFields)
	e.localMu.Unlock()
	if err != nil {
		return nil, err
	}

	e.markPending(ctx)
	return c, nil
}

// Conflicts returns recorded conflict cases.
func (e *Engine) Conflicts(ctx context.Context, pendingOnly bool) ([]*models.ConflictCase, error) {
	return e.store.ListConflicts(ctx, pendingOnly)
}

// DeadLetters returns intents that are no longer retried automatically.
func (e *Engine) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return e.store.ListDeadLetters(ctx)
}

// RequeueDeadLetter puts a dead-lettered intent back into the outbox.
func (e *Engine) RequeueDeadLetter(ctx context.Context, intentID string) error {
	if err := e.store.RequeueDeadLetter(ctx, intentID, e.now()); err != nil {
		return err
	}
	e.logger.Info("Dead letter requeued", "intent_id", intentID)
	e.markPending(ctx)
	return nil
}

// PendingCount returns the number of intents waiting for the server.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// Status returns the last published sync status.
func (e *Engine) Status() models.SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Events returns a channel of status events. Events are dropped while the
// channel buffer is full.
func (e *Engine) Events() <-chan models.StatusEvent {
	return e.events
}

// OnConflict registers a callback for every newly surfaced conflict.
// Callbacks run on the sync goroutine and must not block.
func (e *Engine) OnConflict(fn func(*models.ConflictCase)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflictHandlers = append(e.conflictHandlers, fn)
}

// OnSyncStatusChange registers a callback for status events.
func (e *Engine) OnSyncStatusChange(fn func(models.StatusEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusHandlers = append(e.statusHandlers, fn)
}

// RequestSync asks the background loop for a sync run without waiting for it.
func (e *Engine) RequestSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) markPending(ctx context.Context) {
	if e.Status() != models.StatusSyncing {
		e.publish(ctx, models.StatusEvent{Status: models.StatusPending})
	}
	e.RequestSync()
}

// publish обновляет статус и рассылает событие подписчикам
func (e *Engine) publish(ctx context.Context, ev models.StatusEvent) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if pending, err := e.store.PendingCount(ctx); err == nil {
		ev.Pending = pending
	}

	e.mu.Lock()
	if ev.Status == "" {
		ev.Status = e.status
	}
	e.status = ev.Status
	handlers := slices.Clone(e.statusHandlers)
	e.mu.Unlock()

	select {
	case e.events <- ev:
	default:
		e.logger.Debug("Status event dropped", "status", ev.Status)
	}
	for _, fn := range handlers {
		fn(ev)
	}
}

func (e *Engine) surface(cases []*models.ConflictCase) {
	if len(cases) == 0 {
		return
	}
	e.mu.RLock()
	handlers := slices.Clone(e.conflictHandlers)
	e.mu.RUnlock()

	for _, c := range cases {
		for _, fn := range handlers {
			fn(c)
		}
	}
}

// localRecord возвращает локальную запись или nil.
// Поврежденная запись помещается в карантин, вызов завершается ошибкой
func (e *Engine) localRecord(ctx context.Context, entityType, entityID string) (*models.EntityRecord, error) {
	record, err := e.store.Get(ctx, entityType, entityID)
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, storage.ErrEntityNotFound):
		return nil, nil
	case errors.Is(err, storage.ErrCorrupted):
		e.logger.Warn("Quarantining corrupted record", "entity_type", entityType, "entity_id", entityID, "error", err)
		if qerr := e.store.QuarantineEntity(ctx, entityType, entityID); qerr != nil {
			return nil, fmt.Errorf("failed to quarantine %s: %w", models.EntityKey(entityType, entityID), qerr)
		}
	}
	return nil, err
}

func (e *Engine) fieldState(ctx context.Context, entityType, entityID, field string) (*models.CRDTFieldState, error) {
	state, err := e.store.GetFieldState(ctx, entityType, entityID, field)
	if errors.Is(err, storage.ErrFieldStateNotFound) {
		return nil, nil
	}
	return state, err
}
