package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/fieldsync/internal/models"
)

type eventView struct {
	Summary    *models.SyncSummary `json:"summary,omitempty"`
	DeadLetter *models.DeadLetter  `json:"dead_letter,omitempty"`
	At         string              `json:"at"`
	Status     models.SyncStatus   `json:"status"`
	Error      string              `json:"error,omitempty"`
	Pending    int                 `json:"pending"`
}

// runWatch синхронизирует в фоне и печатает события статуса до отмены ctx
func (c *Cli) runWatch(ctx context.Context) error {
	c.engine.OnSyncStatusChange(c.printEvent)

	if !c.jsonOutput() {
		c.io.Printf("Watching for changes as node %s (Ctrl+C to stop)\n", c.engine.NodeID())
	}

	if err := c.engine.Run(ctx); err != nil {
		return fmt.Errorf("background sync failed: %w", err)
	}
	return nil
}

func (c *Cli) printEvent(ev models.StatusEvent) {
	view := eventView{
		At:         formatTime(ev.At),
		Status:     ev.Status,
		Pending:    ev.Pending,
		Summary:    ev.Summary,
		DeadLetter: ev.DeadLetter,
	}
	if ev.Err != nil {
		view.Error = ev.Err.Error()
	}

	if c.jsonOutput() {
		// одна строка на событие
		data, err := json.Marshal(view)
		if err != nil {
			return
		}
		_, _ = c.io.Write(append(data, '\n'))
		return
	}

	line := fmt.Sprintf("%s  %-8s pending=%d", view.At, view.Status, view.Pending)
	if s := view.Summary; s != nil {
		line += fmt.Sprintf(" pushed=%d pulled=%d conflicts=%d", s.Pushed, s.Pulled, s.Conflicts)
	}
	if d := view.DeadLetter; d != nil {
		line += fmt.Sprintf(" dead_letter=%s (%s)", d.Intent.ID, d.Kind)
	}
	if view.Error != "" {
		line += " error=" + view.Error
	}
	c.io.Println(line)
}
