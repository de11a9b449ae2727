package boltdb

import (
	"context"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// SaveConflict stores or replaces the conflict case of the entity
func (s *Storage) SaveConflict(ctx context.Context, c *models.ConflictCase) error {
	err := s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketConflicts), []byte(c.EntityKey()), c)
	})
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.EntityKey(), err)
	}
	return nil
}

// GetConflict returns the conflict case of the entity
func (s *Storage) GetConflict(ctx context.Context, entityType, entityID string) (*models.ConflictCase, error) {
	var c *models.ConflictCase

	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConflicts).Get([]byte(models.EntityKey(entityType, entityID)))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		c = &models.ConflictCase{}
		return decodeJSON(data, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", models.EntityKey(entityType, entityID), err)
	}

	return c, nil
}

// ListConflicts returns conflict cases ordered by detection time
func (s *Storage) ListConflicts(ctx context.Context, pendingOnly bool) ([]*models.ConflictCase, error) {
	var cases []*models.ConflictCase

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			var c models.ConflictCase
			if err := decodeJSON(v, &c); err != nil {
				return fmt.Errorf("conflict %s: %w", k, err)
			}
			if pendingOnly && !c.IsPending() {
				return nil
			}
			cases = append(cases, &c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].DetectedAt.Before(cases[j].DetectedAt)
	})

	return cases, nil
}

// SettleConflict applies a conflict resolution in one transaction
func (s *Storage) SettleConflict(ctx context.Context, st *storage.Settlement) error {
	c := st.Conflict
	key := c.EntityKey()

	err := s.update(func(tx *bbolt.Tx) error {
		intents, err := entityIntentsLocked(tx, key)
		if err != nil {
			return err
		}

		dirty := st.Keep || st.Intent != nil
		for _, intent := range intents {
			if !st.Keep {
				if err := removeIntentLocked(tx, intent); err != nil {
					return err
				}
				continue
			}
			intent.BaseVersion = c.ServerVersion
			if intent.State == models.IntentConflicted {
				intent.State = models.IntentPending
				intent.NextAttemptAt = st.At
			}
			if err := saveIntentLocked(tx, intent); err != nil {
				return err
			}
		}

		// локальный снимок случая уже содержит правки из dead-letter
		if !st.Keep {
			if err := dropDeadLettersLocked(tx, key); err != nil {
				return err
			}
		}

		if st.Intent != nil {
			if err := enqueueLocked(tx, st.Intent); err != nil {
				return err
			}
		}

		if st.Record != nil {
			r := st.Record.Clone()
			r.Dirty = dirty
			if err := putJSON(tx.Bucket(bucketEntities), []byte(key), r); err != nil {
				return err
			}
		}
		if err := saveFieldStatesLocked(tx, st.States); err != nil {
			return err
		}

		return putJSON(tx.Bucket(bucketConflicts), []byte(key), c)
	})
	if err != nil {
		return fmt.Errorf("failed to settle conflict %s: %w", key, err)
	}
	return nil
}
