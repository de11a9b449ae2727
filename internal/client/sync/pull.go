package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/fieldsync/internal/client/merger"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/models"
)

// pull забирает серверные изменения после сохраненного курсора, страница за страницей
func (e *Engine) pull(ctx context.Context) (outcome, error) {
	var total outcome

	cursor, err := e.store.GetCursor(ctx)
	if err != nil {
		return total, fmt.Errorf("failed to get pull cursor: %w", err)
	}

	for {
		page, err := e.transport.Pull(ctx, cursor, e.cfg.PullLimit)
		if err != nil {
			return total, fmt.Errorf("failed to pull changes: %w", err)
		}

		for _, remote := range page.Records {
			res, err := e.applyRemote(ctx, remote)
			if errors.Is(err, storage.ErrCorrupted) {
				e.logger.Warn("Skipping corrupted record", "error", err)
				continue
			}
			if err != nil {
				return total, err
			}
			total.add(res)
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			if page.HasMore {
				e.logger.Warn("Pull cursor did not advance", "cursor", cursor)
			}
			return total, nil
		}
		if err := e.store.SaveCursor(ctx, page.NextCursor); err != nil {
			return total, fmt.Errorf("failed to save pull cursor: %w", err)
		}
		cursor = page.NextCursor

		if !page.HasMore {
			return total, nil
		}
	}
}

// applyRemote применяет одну серверную запись. Чистая запись заменяется серверной,
// для записи с намерениями в очереди решение принимает resolver
func (e *Engine) applyRemote(ctx context.Context, remote transport.RemoteRecord) (outcome, error) {
	if remote.Record == nil {
		return outcome{}, nil
	}

	e.localMu.Lock()
	defer e.localMu.Unlock()

	record := remote.Record.Clone()
	record.Dirty = false

	intents, err := e.store.EntityIntents(ctx, record.EntityType, record.ID)
	if err != nil {
		return outcome{}, err
	}

	if len(intents) == 0 {
		applied, err := e.applyClean(ctx, record, remote.CRDTState)
		if err != nil {
			return outcome{}, err
		}
		if applied {
			return outcome{summary: models.SyncSummary{Pulled: 1}}, nil
		}
	}

	var known *models.ConflictCase
	if c, err := e.store.GetConflict(ctx, record.EntityType, record.ID); err == nil && c.IsPending() {
		known = c
	}

	c, err := e.resolver.ReconcileRemote(ctx, record, remote.CRDTState)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to reconcile %s: %w", record.Key(), err)
	}
	if c == nil {
		return outcome{summary: models.SyncSummary{Pulled: 1}}, nil
	}
	if known != nil && known.ServerVersion == c.ServerVersion {
		// конфликт с этой версией уже показан
		return outcome{}, nil
	}

	e.logger.Debug("Pulled record conflicts with queued intents",
		"entity_type", record.EntityType,
		"entity_id", record.ID,
		"version", record.Version)

	out := outcome{
		summary:   models.SyncSummary{Conflicts: 1},
		conflicts: []*models.ConflictCase{c},
	}
	return out, e.autoResolve(ctx, c)
}

// applyClean сливает совместные поля и сохраняет запись, если очередь сущности пуста
func (e *Engine) applyClean(ctx context.Context, record *models.EntityRecord, crdtState map[string][]byte) (bool, error) {
	merged, err := e.merger.MergeServerStates(ctx, e.store, record.EntityType, record.ID, crdtState, e.now())
	if err != nil {
		return false, fmt.Errorf("failed to merge server state of %s: %w", record.Key(), err)
	}

	if !record.IsDeleted() {
		stored, err := e.store.ListFieldStates(ctx, record.EntityType, record.ID)
		if err != nil {
			return false, err
		}
		if err := e.merger.ApplyStates(record, merger.ReplaceStates(stored, merged.States)); err != nil {
			return false, err
		}
	}

	return e.store.ApplyRemote(ctx, record, merged.States)
}
