package boltdb

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

func fieldStateKey(entityKey, field string) []byte {
	return compositeKey(entityKey, field)
}

func saveFieldStatesLocked(tx *bbolt.Tx, states []*models.CRDTFieldState) error {
	bucket := tx.Bucket(bucketCRDT)
	for _, st := range states {
		if st == nil {
			continue
		}
		if err := putJSON(bucket, fieldStateKey(st.EntityKey(), st.FieldName), st); err != nil {
			return err
		}
	}
	return nil
}

// GetFieldState returns the replicated state of one collaborative field
func (s *Storage) GetFieldState(ctx context.Context, entityType, entityID, field string) (*models.CRDTFieldState, error) {
	var st *models.CRDTFieldState

	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCRDT).Get(fieldStateKey(models.EntityKey(entityType, entityID), field))
		if data == nil {
			return storage.ErrFieldStateNotFound
		}

		st = &models.CRDTFieldState{}
		return decodeJSON(data, st)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get field state %s.%s: %w", models.EntityKey(entityType, entityID), field, err)
	}

	return st, nil
}

// SaveFieldStates upserts field states
func (s *Storage) SaveFieldStates(ctx context.Context, states ...*models.CRDTFieldState) error {
	err := s.update(func(tx *bbolt.Tx) error {
		return saveFieldStatesLocked(tx, states)
	})
	if err != nil {
		return fmt.Errorf("failed to save field states: %w", err)
	}
	return nil
}

// ListFieldStates returns every field state of the entity ordered by field name
func (s *Storage) ListFieldStates(ctx context.Context, entityType, entityID string) ([]*models.CRDTFieldState, error) {
	var states []*models.CRDTFieldState

	err := s.view(func(tx *bbolt.Tx) error {
		prefix := append([]byte(models.EntityKey(entityType, entityID)), keySep)
		c := tx.Bucket(bucketCRDT).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			st := &models.CRDTFieldState{}
			if err := decodeJSON(v, st); err != nil {
				return fmt.Errorf("field state %s: %w", k, err)
			}
			states = append(states, st)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list field states: %w", err)
	}

	return states, nil
}
