package api

import "time"

// Коды ошибок в ErrorResponse.Error
const (
	ErrorVersionConflict = "version_conflict"
	ErrorValidation      = "validation_failed"
	ErrorForbidden       = "forbidden"
	ErrorUnauthorized    = "unauthorized"
	ErrorRateLimited     = "rate_limited"
	ErrorInternal        = "internal_error"
)

// EventChanged тип события websocket-ленты изменений
const EventChanged = "changed"

// Record представляет запись сущности на проводе
type Record struct {
	UpdatedAt  time.Time         `json:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
	Fields     map[string]any    `json:"fields"`
	CRDTState  map[string][]byte `json:"crdt_state,omitempty"` // полное состояние совместных полей, snappy
	EntityType string            `json:"entity_type"`
	ID         string            `json:"id"`
	Version    int64             `json:"version"`
}

// PushRequest представляет одно намерение, отправляемое на сервер
type PushRequest struct {
	Fields         map[string]any               `json:"fields,omitempty"`
	CRDTDeltas     map[string][]byte            `json:"crdt_deltas,omitempty"`   // дельты совместных полей, snappy
	StateVectors   map[string]map[string]uint64 `json:"state_vectors,omitempty"` // вектор состояния отправителя по полям
	IdempotencyKey string                       `json:"idempotency_key"`
	EntityType     string                       `json:"entity_type"`
	EntityID       string                       `json:"entity_id"`
	Operation      string                       `json:"operation"`
	BaseVersion    int64                        `json:"base_version"`
}

// PushResponse представляет подтверждение намерения (200)
type PushResponse struct {
	CRDTState map[string][]byte `json:"crdt_state,omitempty"`
	Record    Record            `json:"record"`
	Version   int64             `json:"version"`
	Replay    bool              `json:"replay"` // намерение уже было применено ранее
}

// ConflictResponse представляет конфликт версий (409)
type ConflictResponse struct {
	ServerData    *Record           `json:"server_data"`
	CRDTState     map[string][]byte `json:"crdt_state,omitempty"`
	Error         string            `json:"error"`
	ServerVersion int64             `json:"server_version"`
}

// PullResponse представляет страницу изменений после курсора
type PullResponse struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// ChangeEvent представляет сообщение websocket-ленты изменений
type ChangeEvent struct {
	Type   string `json:"type"`
	Cursor string `json:"cursor"`
}
