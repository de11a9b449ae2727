package models

import "time"

// SyncStatus состояние движка синхронизации, видимое подписчикам.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusComplete SyncStatus = "complete"
	StatusError    SyncStatus = "error"
)

// SyncSummary итоги одного прогона синхронизации.
type SyncSummary struct {
	Pushed       int `json:"pushed"`        // количество подтвержденных сервером намерений
	Pulled       int `json:"pulled"`        // количество примененных серверных записей
	Conflicts    int `json:"conflicts"`     // количество новых конфликтов
	DeadLettered int `json:"dead_lettered"` // количество намерений, переведенных в dead-letter
	Rescheduled  int `json:"rescheduled"`   // количество отложенных повторов
}

// Add accumulates other into s.
func (s *SyncSummary) Add(other SyncSummary) {
	s.Pushed += other.Pushed
	s.Pulled += other.Pulled
	s.Conflicts += other.Conflicts
	s.DeadLettered += other.DeadLettered
	s.Rescheduled += other.Rescheduled
}

// StatusEvent is delivered to status subscribers on every transition and for every
// dead-lettered intent.
type StatusEvent struct {
	At         time.Time
	Err        error
	Summary    *SyncSummary
	DeadLetter *DeadLetter
	Status     SyncStatus
	Pending    int
}
