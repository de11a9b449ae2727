package cli

import (
	"context"
	"errors"
	"fmt"
)

type writeResult struct {
	IntentID   string `json:"intent_id,omitempty"`
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
	Changed    bool   `json:"changed"`
}

// runPut применяет патч полей к сущности и ставит намерение в очередь
func (c *Cli) runPut(ctx context.Context, entityType, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("no fields given, use key=value or key:=json")
	}

	intentID, err := c.engine.LocalWrite(ctx, entityType, id, fields)
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", entityType, id, err)
	}

	res := writeResult{IntentID: intentID, EntityType: entityType, ID: id, Changed: intentID != ""}
	if c.jsonOutput() {
		return c.printJSON(res)
	}

	if !res.Changed {
		c.io.Printf("%s/%s is unchanged\n", entityType, id)
		return nil
	}
	c.io.Printf("✓ Saved %s/%s (intent %s)\n", entityType, id, intentID)
	return nil
}
