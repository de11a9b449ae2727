package models

import "time"

// Resolution решение по конфликту версий.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerged     Resolution = "merged"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerged:
		return true
	}
	return false
}

// ConflictCase описывает отклоненную сервером отправку из-за несовпадения версий.
// Хранит полные снимки обеих сторон, чтобы разрешение не требовало запроса к серверу.
type ConflictCase struct {
	DetectedAt     time.Time         `json:"detected_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	LocalSnapshot  *EntityRecord     `json:"local_snapshot"`
	ServerSnapshot *EntityRecord     `json:"server_snapshot"`
	ServerCRDT     map[string][]byte `json:"server_crdt,omitempty"` // ServerCRDT состояние коллаборативных полей на сервере
	EntityID       string            `json:"entity_id"`
	EntityType     string            `json:"entity_type"`
	IntentID       string            `json:"intent_id,omitempty"` // IntentID пуст, если локальная правка ушла в dead-letter
	Resolution     Resolution        `json:"resolution"`
	Suggested      Resolution        `json:"suggested,omitempty"` // Suggested решение, предложенное политикой
	BaseVersion    int64             `json:"base_version"`
	ServerVersion  int64             `json:"server_version"`
}

// EntityKey returns the key of the conflicted entity.
func (c *ConflictCase) EntityKey() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// IsPending reports whether the case still waits for a decision.
func (c *ConflictCase) IsPending() bool {
	return c.Resolution == ResolutionPending
}

// CRDTFieldState is the persisted replicated document of one collaborative field.
type CRDTFieldState struct {
	UpdatedAt    time.Time         `json:"updated_at"`
	LocalVector  map[string]uint64 `json:"local_vector"`  // LocalVector что содержит локальный документ
	RemoteVector map[string]uint64 `json:"remote_vector"` // RemoteVector что по последним данным есть на сервере
	EntityID     string            `json:"entity_id"`
	EntityType   string            `json:"entity_type"`
	FieldName    string            `json:"field_name"`
	State        []byte            `json:"state"` // State закодированный документ
}

// EntityKey returns the key of the entity owning the field.
func (s *CRDTFieldState) EntityKey() string {
	return EntityKey(s.EntityType, s.EntityID)
}
