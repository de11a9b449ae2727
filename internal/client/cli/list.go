package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/iudanet/fieldsync/internal/models"
)

// runList выводит живые сущности типа, подходящие под все фильтры
func (c *Cli) runList(ctx context.Context, entityType string, filters map[string]string) error {
	match := func(r *models.EntityRecord) bool {
		for key, want := range filters {
			v, ok := r.Fields[key]
			if !ok || formatValue(v) != want {
				return false
			}
		}
		return true
	}

	records := make([]*models.EntityRecord, 0)
	for record, err := range c.engine.Query(ctx, entityType, match) {
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", entityType, err)
		}
		records = append(records, record)
	}

	if c.jsonOutput() {
		return c.printJSON(records)
	}

	if len(records) == 0 {
		c.io.Printf("No %s records found.\n", entityType)
		return nil
	}

	tw := tabwriter.NewWriter(c.io, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tVERSION\tSYNCED\tFIELDS")
	for _, r := range records {
		fields := make([]string, 0, len(r.Fields))
		for _, key := range sortedKeys(r.Fields) {
			fields = append(fields, key+"="+formatValue(r.Fields[key]))
		}
		synced := "yes"
		if r.Dirty {
			synced = "no"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.ID, r.Version, synced, strings.Join(fields, " "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	c.io.Printf("\n%d record(s)\n", len(records))
	return nil
}
