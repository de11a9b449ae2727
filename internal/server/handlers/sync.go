package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

const (
	// DefaultPullLimit размер страницы pull, если клиент его не указал
	DefaultPullLimit = 100
	// MaxPullLimit верхняя граница размера страницы pull
	MaxPullLimit = 1000

	maxPushBody = 4 << 20
)

// EntityStorage определяет интерфейс хранилища, нужный обработчикам синхронизации
type EntityStorage interface {
	Push(ctx context.Context, intent *models.MutationIntent, now time.Time) (*storage.PushResult, error)
	ChangesSince(ctx context.Context, seq int64, limit int) ([]storage.Change, error)
	LatestSeq(ctx context.Context) (int64, error)
}

// SyncHandler handles push and pull requests
type SyncHandler struct {
	logger  *slog.Logger
	storage EntityStorage
	hub     *ChangeHub
	now     func() time.Time
}

// NewSyncHandler creates a new sync handler. Applied pushes are announced through hub
func NewSyncHandler(logger *slog.Logger, storage EntityStorage, hub *ChangeHub) *SyncHandler {
	return &SyncHandler{
		logger:  logger,
		storage: storage,
		hub:     hub,
		now:     time.Now,
	}
}

// Push обрабатывает POST /api/v1/push.
// 200 с канонической записью, 409 при конфликте версий,
// 400/422 для некорректных намерений, 403 для запрещенного типа сущности
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := GetClaims(ctx)
	if !ok {
		h.logger.Error("Claims not found in context")
		WriteError(w, http.StatusUnauthorized, api.ErrorUnauthorized, "missing credentials")
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody)).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode push request", "error", err)
		WriteError(w, http.StatusBadRequest, api.ErrorValidation, "invalid request body")
		return
	}

	if !claims.Allows(req.EntityType) {
		h.logger.Warn("Entity type not allowed",
			"device_id", claims.Subject,
			"entity_type", req.EntityType)
		WriteError(w, http.StatusForbidden, api.ErrorForbidden, "entity type "+req.EntityType+" is not allowed")
		return
	}

	intent := &models.MutationIntent{
		ID:          req.IdempotencyKey,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   models.Operation(req.Operation),
		BaseVersion: req.BaseVersion,
		Payload:     req.Payload(),
	}

	res, err := h.storage.Push(ctx, intent, h.now())
	switch {
	case errors.Is(err, storage.ErrInvalidMutation):
		h.logger.Warn("Invalid push request", "device_id", claims.Subject, "error", err)
		WriteError(w, http.StatusBadRequest, api.ErrorValidation, err.Error())
		return
	case errors.Is(err, storage.ErrEntityNotFound), errors.Is(err, storage.ErrIdempotencyMismatch):
		h.logger.Warn("Push rejected", "device_id", claims.Subject, "intent_id", intent.ID, "error", err)
		WriteError(w, http.StatusUnprocessableEntity, api.ErrorValidation, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to apply push", "intent_id", intent.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, api.ErrorInternal, "internal server error")
		return
	}

	if res.Conflict {
		h.logger.Info("Version conflict",
			"device_id", claims.Subject,
			"intent_id", intent.ID,
			"entity_id", intent.EntityID,
			"base_version", intent.BaseVersion,
			"server_version", res.Version)

		serverData := api.RecordFromModel(res.Record, nil)
		resp := api.ConflictResponse{
			ServerData:    &serverData,
			CRDTState:     res.CRDTState,
			Error:         api.ErrorVersionConflict,
			ServerVersion: res.Version,
		}
		if err := WriteJSON(w, http.StatusConflict, resp); err != nil {
			h.logger.Error("Failed to encode response", "error", err)
		}
		return
	}

	if !res.Replay {
		h.hub.Publish(res.Seq)
	}

	h.logger.Info("Push applied",
		"device_id", claims.Subject,
		"intent_id", intent.ID,
		"entity_id", intent.EntityID,
		"operation", intent.Operation,
		"version", res.Version,
		"replay", res.Replay)

	resp := api.PushResponse{
		CRDTState: res.CRDTState,
		Record:    api.RecordFromModel(res.Record, nil),
		Version:   res.Version,
		Replay:    res.Replay,
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// Pull обрабатывает GET /api/v1/pull?cursor=&limit=.
// Возвращает сущности, измененные после курсора, по порядку журнала.
// Сущности запрещенных типов пропускаются, но курсор сдвигается за них
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := GetClaims(ctx)
	if !ok {
		h.logger.Error("Claims not found in context")
		WriteError(w, http.StatusUnauthorized, api.ErrorUnauthorized, "missing credentials")
		return
	}

	query := r.URL.Query()

	var cursor int64
	if raw := query.Get("cursor"); raw != "" {
		var err error
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			h.logger.Warn("Invalid cursor parameter", "cursor", raw)
			WriteError(w, http.StatusBadRequest, api.ErrorValidation, "invalid cursor")
			return
		}
	}

	limit := DefaultPullLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.logger.Warn("Invalid limit parameter", "limit", raw)
			WriteError(w, http.StatusBadRequest, api.ErrorValidation, "invalid limit")
			return
		}
		limit = min(n, MaxPullLimit)
	}

	// лишняя запись показывает, есть ли следующая страница
	changes, err := h.storage.ChangesSince(ctx, cursor, limit+1)
	if err != nil {
		h.logger.Error("Failed to read changes", "cursor", cursor, "error", err)
		WriteError(w, http.StatusInternalServerError, api.ErrorInternal, "internal server error")
		return
	}

	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}

	next := cursor
	records := make([]api.Record, 0, len(changes))
	for _, change := range changes {
		next = change.Seq
		if !claims.Allows(change.Record.EntityType) {
			continue
		}
		records = append(records, api.RecordFromModel(change.Record, change.CRDTState))
	}

	resp := api.PullResponse{
		Records:    records,
		NextCursor: strconv.FormatInt(next, 10),
		HasMore:    hasMore,
	}
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}

	h.logger.Debug("Pull completed",
		"device_id", claims.Subject,
		"cursor", cursor,
		"next_cursor", next,
		"records", len(records),
		"has_more", hasMore)
}
