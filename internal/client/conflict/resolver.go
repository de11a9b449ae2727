// Package conflict records version conflicts and applies their resolutions.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/fieldsync/internal/client/merger"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

var (
	// ErrAlreadyResolved is returned when resolving a case that is no longer pending.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrInvalidResolution is returned for an unknown resolution or a merge without fields.
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)

// Resolver builds conflict cases and carries out resolutions against the local store.
type Resolver struct {
	store     storage.Store
	merger    *merger.Merger
	now       func() time.Time
	logger    *slog.Logger
	suggested models.Resolution
}

// NewResolver creates a resolver. suggested is preselected on every new case and
// may be empty. now defaults to time.Now.
func NewResolver(
	store storage.Store,
	m *merger.Merger,
	suggested models.Resolution,
	now func() time.Time,
	logger *slog.Logger,
) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:     store,
		merger:    m,
		now:       now,
		logger:    logger,
		suggested: suggested,
	}
}

// Open records a conflict for the intent and holds it. Server states of collaborative
// fields are merged right away: they never conflict.
func (r *Resolver) Open(
	ctx context.Context,
	intent *models.MutationIntent,
	server *models.EntityRecord,
	serverVersion int64,
	serverCRDT map[string][]byte,
) (*models.ConflictCase, error) {
	c := &models.ConflictCase{
		EntityType:  intent.EntityType,
		EntityID:    intent.EntityID,
		IntentID:    intent.ID,
		BaseVersion: intent.BaseVersion,
	}
	return r.open(ctx, c, server, serverVersion, serverCRDT)
}

// open дополняет случай снимками сторон, сохраняет его и удерживает намерение, если оно есть
func (r *Resolver) open(
	ctx context.Context,
	c *models.ConflictCase,
	server *models.EntityRecord,
	serverVersion int64,
	serverCRDT map[string][]byte,
) (*models.ConflictCase, error) {
	local, err := r.localRecord(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}

	if err := r.mergeCRDT(ctx, c.EntityType, c.EntityID, serverCRDT, local); err != nil {
		return nil, err
	}

	c.LocalSnapshot = local.Clone()
	c.ServerVersion = serverVersion
	c.ServerCRDT = serverCRDT
	c.Resolution = models.ResolutionPending
	c.Suggested = r.suggested
	c.DetectedAt = r.now()
	if server != nil {
		c.ServerSnapshot = server.Clone()
		c.ServerSnapshot.Version = serverVersion
	}

	if err := r.store.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}
	if c.IntentID != "" {
		if err := r.store.Hold(ctx, c.IntentID); err != nil {
			return nil, fmt.Errorf("failed to hold intent: %w", err)
		}
	}

	r.logger.Info("Version conflict detected",
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"intent_id", c.IntentID,
		"base_version", c.BaseVersion,
		"server_version", c.ServerVersion)

	return c, nil
}

// ReconcileRemote handles a pulled record for an entity that still has queued intents
// or a dirty local copy. Collaborative fields are merged; if only collaborative edits
// are queued they are rebased onto the remote version and the remote ordinary fields
// are taken. Queued ordinary edits are left to the version check of their push, unless
// the head intent is already held: then its conflict case is reopened with the newer
// server snapshot and returned. A dirty copy with nothing queued (its intent was
// dead-lettered) opens a case without an intent.
func (r *Resolver) ReconcileRemote(
	ctx context.Context,
	remote *models.EntityRecord,
	remoteCRDT map[string][]byte,
) (*models.ConflictCase, error) {
	intents, err := r.store.EntityIntents(ctx, remote.EntityType, remote.ID)
	if err != nil {
		return nil, err
	}

	local, err := r.localRecord(ctx, remote.EntityType, remote.ID)
	if err != nil {
		return nil, err
	}

	if len(intents) == 0 && local != nil && local.Dirty {
		if remote.Version <= local.Version {
			return nil, r.mergeCRDT(ctx, remote.EntityType, remote.ID, remoteCRDT, local)
		}
		c := &models.ConflictCase{
			EntityType:  remote.EntityType,
			EntityID:    remote.ID,
			BaseVersion: local.Version,
		}
		return r.open(ctx, c, remote, remote.Version, remoteCRDT)
	}

	if len(intents) == 0 {
		// очередь опустела: запись чистая
		if err := r.mergeCRDT(ctx, remote.EntityType, remote.ID, remoteCRDT, nil); err != nil {
			return nil, err
		}
		record := remote.Clone()
		if err := r.refreshTexts(ctx, record); err != nil {
			return nil, err
		}
		_, err := r.store.ApplyRemote(ctx, record, nil)
		return nil, err
	}

	if local != nil && remote.Version <= local.Version {
		// сервер не знает ничего нового для обычных полей
		return nil, r.mergeCRDT(ctx, remote.EntityType, remote.ID, remoteCRDT, local)
	}

	if !touchesOrdinaryFields(intents) {
		if err := r.mergeCRDT(ctx, remote.EntityType, remote.ID, remoteCRDT, nil); err != nil {
			return nil, err
		}
		if err := r.store.Release(ctx, remote.EntityType, remote.ID, remote.Version, r.now()); err != nil {
			return nil, err
		}

		record := r.withLocalTexts(remote, local)
		if err := r.refreshTexts(ctx, record); err != nil {
			return nil, err
		}
		if err := r.store.Put(ctx, record); err != nil {
			return nil, err
		}

		r.logger.Debug("Rebased collaborative edits onto remote version",
			"entity_id", remote.ID, "version", remote.Version, "intents", len(intents))
		return nil, nil
	}

	if intents[0].State != models.IntentConflicted {
		// версионную проверку выполнит отправка: запись могла прийти из нашего же
		// намерения, ответ на которое был потерян
		return nil, r.mergeCRDT(ctx, remote.EntityType, remote.ID, remoteCRDT, local)
	}

	// открытый конфликт получает свежий снимок сервера
	return r.Open(ctx, intents[0], remote, remote.Version, remoteCRDT)
}

// Resolve applies the resolution to the pending case of the entity. An empty
// resolution takes the one suggested on the case.
// mergedFields is required for ResolutionMerged and holds the full merged field set.
func (r *Resolver) Resolve(
	ctx context.Context,
	entityType, entityID string,
	resolution models.Resolution,
	mergedFields map[string]any,
) (*models.ConflictCase, error) {
	if resolution != "" && (!resolution.Valid() || resolution == models.ResolutionPending) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	c, err := r.store.GetConflict(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if !c.IsPending() {
		return nil, ErrAlreadyResolved
	}

	if resolution == "" {
		resolution = c.Suggested
		if resolution == "" {
			return nil, fmt.Errorf("%w: no suggested resolution", ErrInvalidResolution)
		}
	}
	if resolution == models.ResolutionMerged && mergedFields == nil {
		return nil, fmt.Errorf("%w: merged resolution requires fields", ErrInvalidResolution)
	}
	if c.ServerSnapshot == nil && resolution != models.ResolutionKeepLocal {
		return nil, fmt.Errorf("%w: conflict has no server snapshot", ErrInvalidResolution)
	}

	var settlement *storage.Settlement
	switch resolution {
	case models.ResolutionKeepLocal:
		settlement, err = r.keepLocal(ctx, c)
	case models.ResolutionKeepRemote:
		settlement, err = r.keepRemote(ctx, c)
	case models.ResolutionMerged:
		settlement, err = r.merge(ctx, c, mergedFields)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s as %s: %w", c.EntityKey(), resolution, err)
	}

	resolvedAt := r.now()
	c.Resolution = resolution
	c.ResolvedAt = &resolvedAt
	settlement.Conflict = c
	settlement.At = resolvedAt
	if err := r.store.SettleConflict(ctx, settlement); err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s as %s: %w", c.EntityKey(), resolution, err)
	}

	r.logger.Info("Conflict resolved",
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"resolution", resolution)

	return c, nil
}

// keepLocal переотправляет локальные намерения поверх серверной версии
func (r *Resolver) keepLocal(ctx context.Context, c *models.ConflictCase) (*storage.Settlement, error) {
	intents, err := r.store.EntityIntents(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}

	local, err := r.localRecord(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local = c.LocalSnapshot.Clone()
	}

	overwrite := len(intents) == 0 || intents[0].Operation == models.OperationCreate
	if overwrite && c.ServerSnapshot != nil && local != nil {
		// сущность уже существует на сервере или локальная правка не стоит в очереди:
		// очередь заменяется обновлением всего локального состояния
		intent, err := r.overwriteIntent(ctx, c, local, r.now())
		if err != nil {
			return nil, err
		}
		local.Version = c.ServerVersion
		return &storage.Settlement{Record: local, Intent: intent}, nil
	}

	if local != nil {
		local.Version = c.ServerVersion
	}
	return &storage.Settlement{Record: local, Keep: true}, nil
}

// keepRemote принимает серверную запись; локальные CRDT правки не теряются
func (r *Resolver) keepRemote(ctx context.Context, c *models.ConflictCase) (*storage.Settlement, error) {
	record := c.ServerSnapshot.Clone()
	record.Version = c.ServerVersion

	states, err := r.store.ListFieldStates(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	if err := r.applyTexts(record, states); err != nil {
		return nil, err
	}

	unsent, err := r.merger.UnsentDeltas(states)
	if err != nil {
		return nil, err
	}

	if len(unsent) == 0 || record.IsDeleted() {
		return &storage.Settlement{Record: record}, nil
	}

	intent := models.NewIntent(c.EntityType, c.EntityID, models.OperationUpdate, c.ServerVersion,
		models.Payload{CRDT: unsent}, r.now())
	return &storage.Settlement{Record: record, Intent: intent}, nil
}

// merge записывает объединенные поля и ставит в очередь их отличие от серверной записи
func (r *Resolver) merge(ctx context.Context, c *models.ConflictCase, mergedFields map[string]any) (*storage.Settlement, error) {
	now := r.now()

	serverOrdinary, _ := r.merger.Split(c.EntityType, c.ServerSnapshot.Fields)
	ordinary, collaborative := r.merger.Split(c.EntityType, mergedFields)

	record := c.ServerSnapshot.Clone()
	record.Version = c.ServerVersion
	record.DeletedAt = nil
	record.UpdatedAt = now
	record.Fields = make(map[string]any, len(mergedFields))
	for k, v := range ordinary {
		record.Fields[k] = v
	}

	var edited []*models.CRDTFieldState
	for field, value := range collaborative {
		state, err := r.fieldState(ctx, c.EntityType, c.EntityID, field)
		if err != nil {
			return nil, err
		}
		edit, err := r.merger.LocalEdit(state, c.EntityType, c.EntityID, field, value, now)
		if err != nil {
			return nil, err
		}
		edited = append(edited, edit.State)
	}

	states, err := r.store.ListFieldStates(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	states = merger.ReplaceStates(states, edited)
	if err := r.applyTexts(record, states); err != nil {
		return nil, err
	}

	unsent, err := r.merger.UnsentDeltas(states)
	if err != nil {
		return nil, err
	}

	settlement := &storage.Settlement{Record: record, States: edited}

	diff := models.DiffFields(serverOrdinary, ordinary)
	if len(diff) == 0 && len(unsent) == 0 {
		return settlement, nil
	}

	settlement.Intent = models.NewIntent(c.EntityType, c.EntityID, models.OperationUpdate, c.ServerVersion,
		models.Payload{Fields: diff, CRDT: unsent}, now)
	if len(diff) == 0 {
		settlement.Intent.Payload.Fields = nil
	}
	return settlement, nil
}

// overwriteIntent строит намерение, переводящее серверную запись в локальное состояние
func (r *Resolver) overwriteIntent(
	ctx context.Context,
	c *models.ConflictCase,
	local *models.EntityRecord,
	now time.Time,
) (*models.MutationIntent, error) {
	if local.IsDeleted() {
		return models.NewIntent(c.EntityType, c.EntityID, models.OperationDelete, c.ServerVersion, models.Payload{}, now), nil
	}

	serverOrdinary, _ := r.merger.Split(c.EntityType, c.ServerSnapshot.Fields)
	localOrdinary, _ := r.merger.Split(c.EntityType, local.Fields)

	states, err := r.store.ListFieldStates(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return nil, err
	}
	unsent, err := r.merger.UnsentDeltas(states)
	if err != nil {
		return nil, err
	}

	diff := models.DiffFields(serverOrdinary, localOrdinary)
	if len(diff) == 0 && len(unsent) == 0 {
		return nil, nil
	}
	if len(diff) == 0 {
		diff = nil
	}

	return models.NewIntent(c.EntityType, c.EntityID, models.OperationUpdate, c.ServerVersion,
		models.Payload{Fields: diff, CRDT: unsent}, now), nil
}

// mergeCRDT сливает серверные состояния совместных полей и обновляет их текст в local
func (r *Resolver) mergeCRDT(
	ctx context.Context,
	entityType, entityID string,
	remote map[string][]byte,
	local *models.EntityRecord,
) error {
	if len(remote) == 0 {
		return nil
	}

	merged, err := r.merger.MergeServerStates(ctx, r.store, entityType, entityID, remote, r.now())
	if err != nil {
		return err
	}
	if len(merged.States) == 0 {
		return nil
	}
	if err := r.store.SaveFieldStates(ctx, merged.States...); err != nil {
		return err
	}

	if local == nil {
		return nil
	}
	merged.Apply(local)
	return r.store.Put(ctx, local)
}

// withLocalTexts возвращает копию remote с совместными полями из local
func (r *Resolver) withLocalTexts(remote, local *models.EntityRecord) *models.EntityRecord {
	record := remote.Clone()
	if local == nil {
		return record
	}
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	for field, value := range local.Fields {
		if r.merger.IsCollaborative(record.EntityType, field) {
			record.Fields[field] = value
		}
	}
	return record
}

// refreshTexts записывает в record текст сохраненных документов совместных полей
func (r *Resolver) refreshTexts(ctx context.Context, record *models.EntityRecord) error {
	states, err := r.store.ListFieldStates(ctx, record.EntityType, record.ID)
	if err != nil {
		return err
	}
	return r.applyTexts(record, states)
}

func (r *Resolver) applyTexts(record *models.EntityRecord, states []*models.CRDTFieldState) error {
	return r.merger.ApplyStates(record, states)
}

func (r *Resolver) fieldState(ctx context.Context, entityType, entityID, field string) (*models.CRDTFieldState, error) {
	state, err := r.store.GetFieldState(ctx, entityType, entityID, field)
	if errors.Is(err, storage.ErrFieldStateNotFound) {
		return nil, nil
	}
	return state, err
}

// localRecord возвращает локальную запись или nil, если ее нет.
// Поврежденная запись помещается в карантин и считается отсутствующей
func (r *Resolver) localRecord(ctx context.Context, entityType, entityID string) (*models.EntityRecord, error) {
	local, err := r.store.Get(ctx, entityType, entityID)
	switch {
	case err == nil:
		return local, nil
	case errors.Is(err, storage.ErrEntityNotFound):
		return nil, nil
	case errors.Is(err, storage.ErrCorrupted):
		r.logger.Warn("Quarantining corrupted record", "entity_type", entityType, "entity_id", entityID, "error", err)
		return nil, r.store.QuarantineEntity(ctx, entityType, entityID)
	}
	return nil, err
}

// touchesOrdinaryFields reports whether any intent changes more than collaborative fields.
func touchesOrdinaryFields(intents []*models.MutationIntent) bool {
	for _, intent := range intents {
		if intent.Operation != models.OperationUpdate || intent.Payload.HasFields() {
			return true
		}
	}
	return false
}
