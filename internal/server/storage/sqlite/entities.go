package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/crdt"
	"github.com/iudanet/fieldsync/internal/crypto"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/internal/validation"
)

// serverNodeID идентификатор реплики сервера в CRDT документах
const serverNodeID = "server"

// queryer общий интерфейс *sql.DB и *sql.Tx для чтения
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Push applies one mutation intent atomically with optimistic version checking.
func (s *Storage) Push(ctx context.Context, intent *models.MutationIntent, now time.Time) (*storage.PushResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	fp, err := fingerprint(intent)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Повтор намерения возвращает сохраненный ответ
	replay, err := lookupIdempotency(ctx, tx, intent.ID, fp)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	current, err := getEntity(ctx, tx, intent.EntityType, intent.EntityID)
	if err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
		return nil, err
	}

	var version int64
	states := map[string][]byte{}
	if current != nil {
		version = current.Record.Version
		states = current.CRDTState
	}

	// Намерение только с совместными полями не проверяет версию
	crdtOnly := intent.Operation == models.OperationUpdate && !intent.Payload.HasFields()

	switch {
	case intent.Operation != models.OperationCreate && current == nil:
		return nil, fmt.Errorf("%w: %s", storage.ErrEntityNotFound, intent.EntityKey())
	case crdtOnly:
	case intent.Operation == models.OperationCreate && current != nil,
		intent.Operation != models.OperationCreate && intent.BaseVersion != version:
		return &storage.PushResult{
			Record:    current.Record,
			CRDTState: current.CRDTState,
			Version:   version,
			Seq:       current.Seq,
			Conflict:  true,
		}, nil
	}

	next := &models.EntityRecord{
		ID:         intent.EntityID,
		EntityType: intent.EntityType,
		Fields:     map[string]any{},
	}
	if current != nil {
		next = current.Record.Clone()
	}

	switch intent.Operation {
	case models.OperationCreate:
		next.ApplyFields(intent.Payload.Fields)
	case models.OperationDelete:
		deletedAt := now
		next.DeletedAt = &deletedAt
		next.Fields = map[string]any{}
	case models.OperationUpdate:
		// обновление tombstone воскрешает запись с пустым набором полей
		if next.IsDeleted() {
			next.DeletedAt = nil
			next.Fields = map[string]any{}
		}
		next.ApplyFields(intent.Payload.Fields)
	}

	for field, delta := range intent.Payload.CRDT {
		state, err := crdt.Merge(serverNodeID, states[field], delta.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", storage.ErrInvalidMutation, field, err)
		}
		states[field] = state

		if next.IsDeleted() {
			continue
		}
		doc, err := crdt.DecodeDocument(serverNodeID, state)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", storage.ErrInvalidMutation, field, err)
		}
		next.Fields[field] = doc.Text()
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	next.Version = version + 1
	next.UpdatedAt = now
	next.Dirty = false

	if err := upsertEntity(ctx, tx, next, seq); err != nil {
		return nil, err
	}
	for field := range intent.Payload.CRDT {
		if err := upsertFieldState(ctx, tx, next.EntityType, next.ID, field, states[field]); err != nil {
			return nil, err
		}
	}

	res := &storage.PushResult{
		Record:    next,
		CRDTState: states,
		Version:   next.Version,
		Seq:       seq,
	}
	if err := saveIdempotency(ctx, tx, intent.ID, fp, res, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push: %w", err)
	}

	return res, nil
}

// ChangesSince returns up to limit entities changed after seq, ordered by seq
func (s *Storage) ChangesSince(ctx context.Context, seq int64, limit int) ([]storage.Change, error) {
	query := `
		SELECT entity_type, id, fields, version, seq, updated_at, deleted_at
		FROM entities
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var changes []storage.Change
	for rows.Next() {
		change, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	// состояние совместных полей читаем после закрытия курсора: соединение одно
	_ = rows.Close()
	for i := range changes {
		rec := changes[i].Record
		states, err := loadFieldStates(ctx, s.db, rec.EntityType, rec.ID)
		if err != nil {
			return nil, err
		}
		changes[i].CRDTState = states
	}

	return changes, nil
}

// GetEntity returns the current state of one entity, including tombstones
func (s *Storage) GetEntity(ctx context.Context, entityType, id string) (*storage.Change, error) {
	return getEntity(ctx, s.db, entityType, id)
}

// LatestSeq returns the seq of the most recent change
func (s *Storage) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM entities`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return seq, nil
}

// PurgeIdempotency removes idempotency records created before the given time
func (s *Storage) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func validateIntent(intent *models.MutationIntent) error {
	switch {
	case intent.ID == "":
		return fmt.Errorf("%w: idempotency key is required", storage.ErrInvalidMutation)
	case !intent.Operation.Valid():
		return fmt.Errorf("%w: unknown operation %q", storage.ErrInvalidMutation, intent.Operation)
	case intent.BaseVersion < 0:
		return fmt.Errorf("%w: negative base version", storage.ErrInvalidMutation)
	}

	if err := validation.ValidateEntityRef(intent.EntityType, intent.EntityID); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidMutation, err)
	}
	for field := range intent.Payload.Fields {
		if err := validation.ValidateFieldName(field); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidMutation, err)
		}
	}
	for field := range intent.Payload.CRDT {
		if err := validation.ValidateFieldName(field); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidMutation, err)
		}
		if _, ok := intent.Payload.Fields[field]; ok {
			return fmt.Errorf("%w: field %s sent both as value and as crdt delta", storage.ErrInvalidMutation, field)
		}
	}
	return nil
}

// fingerprint хэш содержимого намерения для проверки повторов.
// Базовая версия не входит: клиент перебазирует неотправленные намерения
func fingerprint(intent *models.MutationIntent) ([]byte, error) {
	fp, err := crypto.Fingerprint(struct {
		Payload    models.Payload   `json:"payload"`
		EntityType string           `json:"entity_type"`
		EntityID   string           `json:"entity_id"`
		Operation  models.Operation `json:"operation"`
	}{
		Payload:    intent.Payload,
		EntityType: intent.EntityType,
		EntityID:   intent.EntityID,
		Operation:  intent.Operation,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidMutation, err)
	}
	return fp, nil
}

func lookupIdempotency(ctx context.Context, q queryer, key string, fp []byte) (*storage.PushResult, error) {
	var storedFP, response []byte
	err := q.QueryRowContext(ctx, `SELECT fingerprint, response FROM idempotency WHERE key = ?`, key).Scan(&storedFP, &response)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	if !crypto.Equal(storedFP, fp) {
		return nil, fmt.Errorf("%w: %s", storage.ErrIdempotencyMismatch, key)
	}

	var res storage.PushResult
	if err := json.Unmarshal(response, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored response: %w", err)
	}
	res.Replay = true
	return &res, nil
}

func saveIdempotency(ctx context.Context, tx *sql.Tx, key string, fp []byte, res *storage.PushResult, now time.Time) error {
	response, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	query := `INSERT INTO idempotency (key, fingerprint, response, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, key, fp, response, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

func getEntity(ctx context.Context, q queryer, entityType, id string) (*storage.Change, error) {
	query := `
		SELECT entity_type, id, fields, version, seq, updated_at, deleted_at
		FROM entities
		WHERE entity_type = ? AND id = ?
	`

	rows, err := q.QueryContext(ctx, query, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	var change *storage.Change
	if rows.Next() {
		change, err = scanEntity(rows)
	}
	if err == nil {
		err = rows.Err()
	}
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if change == nil {
		return nil, storage.ErrEntityNotFound
	}

	change.CRDTState, err = loadFieldStates(ctx, q, entityType, id)
	if err != nil {
		return nil, err
	}
	return change, nil
}

func scanEntity(rows *sql.Rows) (*storage.Change, error) {
	var (
		rec       models.EntityRecord
		fields    []byte
		seq       int64
		updatedAt int64
		deletedAt sql.NullInt64
	)

	if err := rows.Scan(&rec.EntityType, &rec.ID, &fields, &rec.Version, &seq, &updatedAt, &deletedAt); err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", rec.Key(), err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	rec.UpdatedAt = unixToTime(updatedAt)
	if deletedAt.Valid {
		t := unixToTime(deletedAt.Int64)
		rec.DeletedAt = &t
	}

	return &storage.Change{Record: &rec, Seq: seq}, nil
}

func loadFieldStates(ctx context.Context, q queryer, entityType, id string) (map[string][]byte, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT field, state FROM crdt_state WHERE entity_type = ? AND entity_id = ?`, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query crdt state: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	states := map[string][]byte{}
	for rows.Next() {
		var field string
		var state []byte
		if err := rows.Scan(&field, &state); err != nil {
			return nil, fmt.Errorf("failed to scan crdt state: %w", err)
		}
		states[field] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return states, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM entities`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}
	return seq, nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, rec *models.EntityRecord, seq int64) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal fields: %v", storage.ErrInvalidMutation, err)
	}

	var deletedAt sql.NullInt64
	if rec.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: rec.DeletedAt.UnixMilli(), Valid: true}
	}

	// ON CONFLICT вместо REPLACE: REPLACE удалил бы строку вместе с crdt_state
	query := `
		INSERT INTO entities (entity_type, id, fields, version, seq, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			fields = excluded.fields,
			version = excluded.version,
			seq = excluded.seq,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`

	_, err = tx.ExecContext(ctx, query,
		rec.EntityType,
		rec.ID,
		fields,
		rec.Version,
		seq,
		rec.UpdatedAt.UnixMilli(),
		deletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

func upsertFieldState(ctx context.Context, tx *sql.Tx, entityType, id, field string, state []byte) error {
	query := `
		INSERT INTO crdt_state (entity_type, entity_id, field, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, field) DO UPDATE SET state = excluded.state
	`

	if _, err := tx.ExecContext(ctx, query, entityType, id, field, state); err != nil {
		return fmt.Errorf("failed to save crdt state: %w", err)
	}
	return nil
}

func unixToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
