package models

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"
)

// EntityRecord представляет локальную копию записи сущности (контакт, сделка, задача).
// Version назначается только сервером: локальное редактирование помечает запись
// как Dirty, но не меняет Version.
type EntityRecord struct {
	UpdatedAt  time.Time      `json:"updated_at"`           // UpdatedAt время последнего изменения (локального или серверного)
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"` // DeletedAt маркер tombstone (nil = запись активна)
	Fields     map[string]any `json:"fields"`               // Fields значения полей сущности
	ID         string         `json:"id"`                   // ID идентификатор сущности
	EntityType string         `json:"entity_type"`          // EntityType тип сущности, например "contact"
	Version    int64          `json:"version"`              // Version последняя версия, подтвержденная сервером
	Dirty      bool           `json:"dirty"`                // Dirty есть неподтвержденные локальные изменения
}

// EntityKey builds the storage key identifying an entity across all collections.
func EntityKey(entityType, id string) string {
	return entityType + "/" + id
}

// Key returns the entity key of the record.
func (r *EntityRecord) Key() string {
	return EntityKey(r.EntityType, r.ID)
}

// IsDeleted reports whether the record is a tombstone.
func (r *EntityRecord) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone создает копию записи. Карта полей копируется поверхностно:
// значения полей считаются неизменяемыми.
func (r *EntityRecord) Clone() *EntityRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = make(map[string]any)
	}
	if r.DeletedAt != nil {
		deletedAt := *r.DeletedAt
		c.DeletedAt = &deletedAt
	}
	return &c
}

// FieldEqual compares two field values by their JSON encoding, so values that went
// through a storage round trip (int vs float64) still compare equal.
func FieldEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// DiffFields returns the fields of next that differ from prev.
// Fields removed in next are reported with a nil value.
func DiffFields(prev, next map[string]any) map[string]any {
	diff := make(map[string]any)
	for name, value := range next {
		old, ok := prev[name]
		if !ok || !FieldEqual(old, value) {
			diff[name] = value
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			diff[name] = nil
		}
	}
	return diff
}

// ApplyFields applies a field diff to the record. A nil value removes the field.
func (r *EntityRecord) ApplyFields(diff map[string]any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(diff))
	}
	for name, value := range diff {
		if value == nil {
			delete(r.Fields, name)
			continue
		}
		r.Fields[name] = value
	}
}
