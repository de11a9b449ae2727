package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runDeadLetters(ctx context.Context) error {
	dead, err := c.engine.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	if c.jsonOutput() {
		return c.printJSON(dead)
	}

	if len(dead) == 0 {
		c.io.Println("No dead-lettered intents.")
		return nil
	}

	for _, d := range dead {
		c.io.Printf("%s  %s %s/%s\n", d.Intent.ID, d.Intent.Operation, d.Intent.EntityType, d.Intent.EntityID)
		c.io.Printf("  %s at %s after %d attempt(s): %s\n", d.Kind, formatTime(d.DeadLetteredAt), d.Intent.AttemptCount, d.Error)
	}
	c.io.Println()
	c.io.Println("Use 'fieldsync requeue <intent-id>' to retry an intent.")
	return nil
}

func (c *Cli) runRequeue(ctx context.Context, intentID string) error {
	if err := c.engine.RequeueDeadLetter(ctx, intentID); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", intentID, err)
	}

	if c.jsonOutput() {
		return c.printJSON(map[string]string{"intent_id": intentID, "status": "requeued"})
	}
	c.io.Printf("✓ Intent %s moved back to the outbox\n", intentID)
	return nil
}
