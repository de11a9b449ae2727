package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/iudanet/fieldsync/internal/models"
)

func (c *Cli) runConflicts(ctx context.Context, all bool) error {
	cases, err := c.engine.Conflicts(ctx, !all)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	if c.jsonOutput() {
		return c.printJSON(cases)
	}

	if len(cases) == 0 {
		c.io.Println("No conflicts.")
		return nil
	}

	for _, cc := range cases {
		state := string(cc.Resolution)
		if cc.IsPending() && cc.Suggested != "" {
			state += ", suggested " + string(cc.Suggested)
		}
		intent := cc.IntentID
		if intent == "" {
			intent = "dead-lettered"
		}
		c.io.Printf("%s/%s  intent %s  [%s]\n", cc.EntityType, cc.EntityID, intent, state)
		c.io.Printf("  detected: %s  base version: %d  server version: %d\n",
			formatTime(cc.DetectedAt), cc.BaseVersion, cc.ServerVersion)
		c.printFieldDiff(cc)
		c.io.Println()
	}
	return nil
}

// printFieldDiff выводит поля, в которых локальный снимок расходится с серверным
func (c *Cli) printFieldDiff(cc *models.ConflictCase) {
	local := snapshotFields(cc.LocalSnapshot)
	server := snapshotFields(cc.ServerSnapshot)

	keys := make(map[string]any, len(local)+len(server))
	maps.Copy(keys, local)
	maps.Copy(keys, server)

	for _, key := range sortedKeys(keys) {
		l, lok := local[key]
		s, sok := server[key]
		if lok && sok && formatValue(l) == formatValue(s) {
			continue
		}
		c.io.Printf("  %s: local=%s server=%s\n", key, diffValue(l, lok), diffValue(s, sok))
	}
}

func snapshotFields(r *models.EntityRecord) map[string]any {
	if r == nil || r.IsDeleted() {
		return nil
	}
	return r.Fields
}

func diffValue(v any, ok bool) string {
	if !ok {
		return "<unset>"
	}
	return formatValue(v)
}

// runResolve разрешает ожидающий конфликт. Пустое решение означает предложенное политикой.
// Для merged поля берутся из серверного снимка и переопределяются переданными значениями
func (c *Cli) runResolve(
	ctx context.Context,
	entityType, id string,
	resolution models.Resolution,
	overrides map[string]any,
	confirm bool,
) error {
	if resolution == "" {
		pending, err := c.pendingConflict(ctx, entityType, id)
		if err != nil {
			return err
		}
		if pending.Suggested == "" {
			return fmt.Errorf("no suggested resolution for %s/%s, use keep_local, keep_remote or merged", entityType, id)
		}
		resolution = pending.Suggested
	}
	if !resolution.Valid() || resolution == models.ResolutionPending {
		return fmt.Errorf("unknown resolution %q, use keep_local, keep_remote or merged", resolution)
	}
	if len(overrides) > 0 && resolution != models.ResolutionMerged {
		return errors.New("field values are only accepted with the merged resolution")
	}

	var merged map[string]any
	if resolution == models.ResolutionMerged {
		pending, err := c.pendingConflict(ctx, entityType, id)
		if err != nil {
			return err
		}
		merged = maps.Clone(snapshotFields(pending.ServerSnapshot))
		if merged == nil {
			merged = make(map[string]any, len(overrides))
		}
		for k, v := range overrides {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
	}

	if confirm && c.io.IsTerminal() {
		answer, err := c.io.ReadInput(fmt.Sprintf("Resolve %s/%s as %s? [y/N]: ", entityType, id, resolution))
		if err != nil {
			return fmt.Errorf("failed to read answer: %w", err)
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			c.io.Println("Cancelled.")
			return nil
		}
	}

	resolved, err := c.engine.ResolveConflict(ctx, entityType, id, resolution, merged)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	if c.jsonOutput() {
		return c.printJSON(resolved)
	}
	c.io.Printf("✓ Conflict on %s/%s resolved: %s\n", entityType, id, resolved.Resolution)
	if resolution != models.ResolutionKeepRemote {
		c.io.Println("The resolution will be sent to the server on the next sync.")
	}
	return nil
}

func (c *Cli) pendingConflict(ctx context.Context, entityType, id string) (*models.ConflictCase, error) {
	cases, err := c.engine.Conflicts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	key := models.EntityKey(entityType, id)
	for _, cc := range cases {
		if cc.EntityKey() == key {
			return cc, nil
		}
	}
	return nil, fmt.Errorf("no pending conflict for %s", key)
}
