// Package transport defines how the sync engine talks to the authoritative store.
package transport

import (
	"context"

	"github.com/iudanet/fieldsync/internal/models"
)

//go:generate moq -out transport_mock.go . Transport

// Outcome is the non-error result of a push.
type Outcome int

const (
	// OutcomeAck means the server applied the intent, or had already applied it.
	OutcomeAck Outcome = iota + 1
	// OutcomeConflict means the base version no longer matches the server.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// PushResult is the server's answer to one intent.
type PushResult struct {
	Record        *models.EntityRecord // каноническая запись после ack
	ServerRecord  *models.EntityRecord // текущая серверная запись при конфликте
	CRDTState     map[string][]byte    // полное серверное состояние совместных полей
	Outcome       Outcome
	Version       int64
	ServerVersion int64
	Replay        bool // ack повторной доставки: сервер уже применял это намерение
}

// RemoteRecord is one pulled record with the server state of its collaborative fields.
type RemoteRecord struct {
	Record    *models.EntityRecord
	CRDTState map[string][]byte
}

// PullResult is one page of server changes.
type PullResult struct {
	Records    []RemoteRecord
	NextCursor string
	HasMore    bool
}

// Transport pushes intents to and pulls changes from the authoritative store.
// Failures are reported as *Error.
type Transport interface {
	Push(ctx context.Context, intent *models.MutationIntent) (*PushResult, error)
	Pull(ctx context.Context, cursor string, limit int) (*PullResult, error)
}

// ChangeFeed delivers remote change notifications until ctx is done.
type ChangeFeed interface {
	Watch(ctx context.Context, onChange func(cursor string)) error
}
