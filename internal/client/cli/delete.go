package cli

import (
	"context"
	"fmt"
)

// runDelete помечает сущность удаленной (tombstone) и ставит удаление в очередь
func (c *Cli) runDelete(ctx context.Context, entityType, id string) error {
	intentID, err := c.engine.LocalDelete(ctx, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entityType, id, err)
	}

	res := writeResult{IntentID: intentID, EntityType: entityType, ID: id, Changed: intentID != ""}
	if c.jsonOutput() {
		return c.printJSON(res)
	}

	if !res.Changed {
		c.io.Printf("%s/%s is already deleted\n", entityType, id)
		return nil
	}
	c.io.Printf("✓ Deleted %s/%s (intent %s)\n", entityType, id, intentID)
	c.io.Println("The deletion will be sent to the server on the next sync.")
	return nil
}
