package boltdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// queryPageSize ограничивает число записей, читаемых одной транзакцией в Query
const queryPageSize = 64

// Put upserts a record and marks it dirty
func (s *Storage) Put(ctx context.Context, record *models.EntityRecord) error {
	err := s.update(func(tx *bbolt.Tx) error {
		r := record.Clone()
		r.Dirty = true
		return putJSON(tx.Bucket(bucketEntities), []byte(r.Key()), r)
	})
	if err != nil {
		return fmt.Errorf("failed to put entity %s: %w", record.Key(), err)
	}
	return nil
}

// AckPut stores a server-confirmed record with the given version and clears dirty
func (s *Storage) AckPut(ctx context.Context, record *models.EntityRecord, version int64) error {
	err := s.update(func(tx *bbolt.Tx) error {
		r := record.Clone()
		r.Version = version
		r.Dirty = false
		return putJSON(tx.Bucket(bucketEntities), []byte(r.Key()), r)
	})
	if err != nil {
		return fmt.Errorf("failed to ack entity %s: %w", record.Key(), err)
	}
	return nil
}

// ApplyRemote stores a pulled record unless the entity has queued intents or a dirty local copy
func (s *Storage) ApplyRemote(
	ctx context.Context,
	record *models.EntityRecord,
	states []*models.CRDTFieldState,
) (bool, error) {
	applied := false
	key := []byte(record.Key())

	err := s.update(func(tx *bbolt.Tx) error {
		if hasIntentsLocked(tx, record.Key()) {
			return nil
		}

		entities := tx.Bucket(bucketEntities)
		if raw := entities.Get(key); raw != nil {
			var existing models.EntityRecord
			if err := decodeJSON(raw, &existing); err != nil {
				// поврежденная локальная копия заменяется серверной
				if err := quarantineLocked(tx, bucketEntities, key); err != nil {
					return err
				}
			} else if existing.Dirty {
				// локальная правка без намерения в очереди (dead-letter) решается через конфликт
				return nil
			} else if existing.Version > record.Version {
				// локальная копия уже новее
				applied = true
				return nil
			}
		}

		r := record.Clone()
		r.Dirty = false
		if err := putJSON(entities, key, r); err != nil {
			return err
		}
		if err := saveFieldStatesLocked(tx, states); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply remote entity %s: %w", record.Key(), err)
	}

	return applied, nil
}

// Get returns the record or its tombstone
func (s *Storage) Get(ctx context.Context, entityType, id string) (*models.EntityRecord, error) {
	var record *models.EntityRecord

	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntities).Get([]byte(models.EntityKey(entityType, id)))
		if data == nil {
			return storage.ErrEntityNotFound
		}

		record = &models.EntityRecord{}
		return decodeJSON(data, record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", models.EntityKey(entityType, id), err)
	}

	return record, nil
}

type queryItem struct {
	record *models.EntityRecord
	err    error
}

// Query lazily yields non-deleted records of the type accepted by predicate.
// Records are read page by page, so the caller may write to the storage while ranging.
// A corrupted record yields storage.ErrCorrupted and iteration continues.
func (s *Storage) Query(
	ctx context.Context,
	entityType string,
	predicate func(*models.EntityRecord) bool,
) iter.Seq2[*models.EntityRecord, error] {
	prefix := []byte(models.EntityKey(entityType, ""))

	return func(yield func(*models.EntityRecord, error) bool) {
		from := prefix
		inclusive := true

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			items, last, err := s.queryPage(prefix, from, inclusive)
			if err != nil {
				yield(nil, fmt.Errorf("failed to query %s: %w", entityType, err))
				return
			}

			for _, item := range items {
				if item.err == nil {
					if item.record.IsDeleted() || (predicate != nil && !predicate(item.record)) {
						continue
					}
				}
				if !yield(item.record, item.err) {
					return
				}
			}

			if last == nil {
				return
			}
			from, inclusive = last, false
		}
	}
}

// queryPage читает до queryPageSize записей с префиксом prefix, начиная с from.
// last равен nil, если записей больше нет
func (s *Storage) queryPage(prefix, from []byte, inclusive bool) ([]queryItem, []byte, error) {
	var (
		items   []queryItem
		last    []byte
		lastKey []byte
	)

	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()

		k, v := c.Seek(from)
		if !inclusive && k != nil && bytes.Equal(k, from) {
			k, v = c.Next()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(items) == queryPageSize {
				last = lastKey
				return nil
			}
			lastKey = append([]byte(nil), k...)

			r := &models.EntityRecord{}
			if err := decodeJSON(v, r); err != nil {
				items = append(items, queryItem{err: fmt.Errorf("entity %s: %w", k, err)})
				continue
			}
			items = append(items, queryItem{record: r})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return items, last, nil
}

// LocalWrite atomically stores the record as dirty, appends the intent and saves CRDT states
func (s *Storage) LocalWrite(
	ctx context.Context,
	record *models.EntityRecord,
	intent *models.MutationIntent,
	states []*models.CRDTFieldState,
) error {
	if intent == nil {
		return errors.New("local write requires an intent")
	}

	err := s.update(func(tx *bbolt.Tx) error {
		r := record.Clone()
		r.Dirty = true
		if err := putJSON(tx.Bucket(bucketEntities), []byte(r.Key()), r); err != nil {
			return err
		}
		if err := enqueueLocked(tx, intent); err != nil {
			return err
		}
		return saveFieldStatesLocked(tx, states)
	})
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", record.Key(), err)
	}

	return nil
}

// QuarantineEntity moves an undecodable record out of the entity collection
func (s *Storage) QuarantineEntity(ctx context.Context, entityType, id string) error {
	err := s.update(func(tx *bbolt.Tx) error {
		return quarantineLocked(tx, bucketEntities, []byte(models.EntityKey(entityType, id)))
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine entity: %w", err)
	}
	return nil
}

// PurgeTombstones hard-deletes clean tombstones deleted before the given time
// together with their CRDT states and resolved conflict cases
func (s *Storage) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	purged := 0

	err := s.update(func(tx *bbolt.Tx) error {
		entities := tx.Bucket(bucketEntities)

		var victims [][]byte
		err := entities.ForEach(func(k, v []byte) error {
			var r models.EntityRecord
			if err := decodeJSON(v, &r); err != nil {
				return nil
			}
			if r.Dirty || !r.IsDeleted() || !r.DeletedAt.Before(before) {
				return nil
			}
			if hasIntentsLocked(tx, string(k)) {
				return nil
			}
			victims = append(victims, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range victims {
			if err := entities.Delete(k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
			if err := deletePrefixLocked(tx.Bucket(bucketCRDT), append(append([]byte(nil), k...), keySep)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketConflicts).Delete(k); err != nil {
				return fmt.Errorf("failed to delete conflict %s: %w", k, err)
			}
		}

		purged = len(victims)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}

	return purged, nil
}

// deletePrefixLocked удаляет все ключи bucket с заданным префиксом
func deletePrefixLocked(b *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}
