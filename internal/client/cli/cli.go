// Package cli implements the fieldsync client commands over the sync engine.
package cli

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/models"
)

// Output formats
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Engine is the part of the sync engine the commands use
type Engine interface {
	NodeID() string
	LocalWrite(ctx context.Context, entityType, entityID string, fields map[string]any) (string, error)
	LocalDelete(ctx context.Context, entityType, entityID string) (string, error)
	Get(ctx context.Context, entityType, entityID string) (*models.EntityRecord, error)
	Query(ctx context.Context, entityType string, predicate func(*models.EntityRecord) bool) iter.Seq2[*models.EntityRecord, error]
	TriggerSync(ctx context.Context) (models.SyncSummary, error)
	Status() models.SyncStatus
	PendingCount(ctx context.Context) (int, error)
	Conflicts(ctx context.Context, pendingOnly bool) ([]*models.ConflictCase, error)
	ResolveConflict(
		ctx context.Context,
		entityType, entityID string,
		resolution models.Resolution,
		mergedFields map[string]any,
	) (*models.ConflictCase, error)
	DeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, intentID string) error
	OnSyncStatusChange(fn func(models.StatusEvent))
	Run(ctx context.Context) error
}

type Cli struct {
	io     iocli.IO
	engine Engine
	format string
}

func New(io iocli.IO, engine Engine, format string) *Cli {
	return &Cli{
		io:     io,
		engine: engine,
		format: format,
	}
}

// jsonOutput: явный формат или JSON, когда вывод не терминал
func (c *Cli) jsonOutput() bool {
	switch c.format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	default:
		return !c.io.IsTerminal()
	}
}

func (c *Cli) printJSON(v any) error {
	enc := json.NewEncoder(c.io)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
