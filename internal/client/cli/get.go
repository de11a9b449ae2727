package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

func (c *Cli) runGet(ctx context.Context, entityType, id string) error {
	record, err := c.engine.Get(ctx, entityType, id)
	if errors.Is(err, storage.ErrEntityNotFound) {
		return fmt.Errorf("%s/%s not found", entityType, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s/%s: %w", entityType, id, err)
	}

	if c.jsonOutput() {
		return c.printJSON(record)
	}

	c.printRecord(record)
	return nil
}

func (c *Cli) printRecord(record *models.EntityRecord) {
	c.io.Printf("=== %s/%s ===\n", record.EntityType, record.ID)
	c.io.Printf("Version: %d\n", record.Version)
	c.io.Printf("Updated: %s\n", formatTime(record.UpdatedAt))
	if record.Dirty {
		c.io.Println("State:   modified locally, not yet synchronized")
	}
	if record.IsDeleted() {
		c.io.Printf("Deleted: %s\n", formatTime(*record.DeletedAt))
		return
	}

	c.io.Println()
	for _, key := range sortedKeys(record.Fields) {
		c.io.Printf("  %s: %s\n", key, formatValue(record.Fields[key]))
	}
}
