package cli

import (
	"context"
	"fmt"

	"github.com/iudanet/fieldsync/internal/models"
)

type statusView struct {
	NodeID           string            `json:"node_id"`
	Status           models.SyncStatus `json:"status"`
	Pending          int               `json:"pending"`
	PendingConflicts int               `json:"pending_conflicts"`
	DeadLetters      int               `json:"dead_letters"`
}

func (c *Cli) runStatus(ctx context.Context) error {
	pending, err := c.engine.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending intents: %w", err)
	}
	conflicts, err := c.engine.Conflicts(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	dead, err := c.engine.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	view := statusView{
		NodeID:           c.engine.NodeID(),
		Status:           c.engine.Status(),
		Pending:          pending,
		PendingConflicts: len(conflicts),
		DeadLetters:      len(dead),
	}
	if c.jsonOutput() {
		return c.printJSON(view)
	}

	c.io.Println("=== Sync Status ===")
	c.io.Println()
	c.io.Printf("Node:         %s\n", view.NodeID)
	c.io.Printf("Status:       %s\n", view.Status)
	c.io.Printf("Pending:      %d\n", view.Pending)
	c.io.Printf("Conflicts:    %d\n", view.PendingConflicts)
	c.io.Printf("Dead letters: %d\n", view.DeadLetters)

	if view.Pending > 0 {
		c.io.Println()
		c.io.Println("Run 'fieldsync sync' to synchronize with the server.")
	}
	return nil
}
