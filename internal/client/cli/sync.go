package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runSync(ctx context.Context) error {
	summary, err := c.engine.TriggerSync(ctx)
	if err != nil {
		return fmt.Errorf("synchronization failed: %w", err)
	}

	if c.jsonOutput() {
		return c.printJSON(summary)
	}

	c.io.Println("=== Synchronization ===")
	c.io.Println()
	c.io.Printf("Pushed to server:   %d intent(s)\n", summary.Pushed)
	c.io.Printf("Pulled from server: %d record(s)\n", summary.Pulled)
	if summary.Conflicts > 0 {
		c.io.Printf("Conflicts:          %d (see 'fieldsync conflicts')\n", summary.Conflicts)
	}
	if summary.Rescheduled > 0 {
		c.io.Printf("Rescheduled:        %d (server unreachable, will retry)\n", summary.Rescheduled)
	}
	if summary.DeadLettered > 0 {
		c.io.Printf("Dead-lettered:      %d (see 'fieldsync deadletters')\n", summary.DeadLettered)
	}

	pending, err := c.engine.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending intents: %w", err)
	}
	c.io.Println()
	if pending > 0 {
		c.io.Printf("⚠️  %d intent(s) still waiting for the server\n", pending)
	} else {
		c.io.Println("✓ All local changes are synchronized")
	}
	return nil
}
