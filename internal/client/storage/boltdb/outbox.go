package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// Outbox хранится в двух bucket:
//   outbox       - intent id -> JSON намерения
//   outbox_order - entityKey 0x00 seq(BE) -> intent id
// Порядок ключей outbox_order задает порядок отправки внутри сущности.

func orderPrefix(entityKey string) []byte {
	return append([]byte(entityKey), keySep)
}

func orderKey(entityKey string, seq uint64) []byte {
	key := orderPrefix(entityKey)
	return binary.BigEndian.AppendUint64(key, seq)
}

func hasIntentsLocked(tx *bbolt.Tx, entityKey string) bool {
	prefix := orderPrefix(entityKey)
	k, _ := tx.Bucket(bucketOutboxOrder).Cursor().Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

func loadIntentLocked(tx *bbolt.Tx, id string) (*models.MutationIntent, error) {
	data := tx.Bucket(bucketOutbox).Get([]byte(id))
	if data == nil {
		return nil, storage.ErrIntentNotFound
	}

	intent := &models.MutationIntent{}
	if err := decodeJSON(data, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func saveIntentLocked(tx *bbolt.Tx, intent *models.MutationIntent) error {
	return putJSON(tx.Bucket(bucketOutbox), []byte(intent.ID), intent)
}

// enqueueLocked назначает намерению порядковый номер и добавляет его в конец очереди сущности
func enqueueLocked(tx *bbolt.Tx, intent *models.MutationIntent) error {
	outbox := tx.Bucket(bucketOutbox)
	if outbox.Get([]byte(intent.ID)) != nil {
		return fmt.Errorf("%w: %s", storage.ErrIntentExists, intent.ID)
	}

	seq, err := outbox.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate outbox sequence: %w", err)
	}
	intent.Seq = seq

	if err := saveIntentLocked(tx, intent); err != nil {
		return err
	}
	if err := tx.Bucket(bucketOutboxOrder).Put(orderKey(intent.EntityKey(), seq), []byte(intent.ID)); err != nil {
		return fmt.Errorf("failed to index intent %s: %w", intent.ID, err)
	}
	return nil
}

// removeIntentLocked удаляет намерение из обоих bucket
func removeIntentLocked(tx *bbolt.Tx, intent *models.MutationIntent) error {
	if err := tx.Bucket(bucketOutbox).Delete([]byte(intent.ID)); err != nil {
		return fmt.Errorf("failed to delete intent %s: %w", intent.ID, err)
	}
	if err := tx.Bucket(bucketOutboxOrder).Delete(orderKey(intent.EntityKey(), intent.Seq)); err != nil {
		return fmt.Errorf("failed to unindex intent %s: %w", intent.ID, err)
	}
	return nil
}

// entityIntentsLocked возвращает намерения сущности в порядке создания
func entityIntentsLocked(tx *bbolt.Tx, entityKey string) ([]*models.MutationIntent, error) {
	var intents []*models.MutationIntent

	prefix := orderPrefix(entityKey)
	c := tx.Bucket(bucketOutboxOrder).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		intent, err := loadIntentLocked(tx, string(v))
		if err != nil {
			return nil, fmt.Errorf("intent %s: %w", v, err)
		}
		intents = append(intents, intent)
	}

	return intents, nil
}

// Enqueue appends an intent keyed by its idempotency id; an already queued id is a no-op
func (s *Storage) Enqueue(ctx context.Context, intent *models.MutationIntent) error {
	err := s.update(func(tx *bbolt.Tx) error {
		return enqueueLocked(tx, intent)
	})
	if errors.Is(err, storage.ErrIntentExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue intent: %w", err)
	}
	return nil
}

// GetIntent returns a queued intent
func (s *Storage) GetIntent(ctx context.Context, id string) (*models.MutationIntent, error) {
	var intent *models.MutationIntent

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		intent, err = loadIntentLocked(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", id, err)
	}

	return intent, nil
}

// EntityIntents returns the queued intents of one entity in creation order
func (s *Storage) EntityIntents(ctx context.Context, entityType, entityID string) ([]*models.MutationIntent, error) {
	var intents []*models.MutationIntent

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		intents, err = entityIntentsLocked(tx, models.EntityKey(entityType, entityID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}

	return intents, nil
}

// DequeueReady claims up to limit head intents, one per entity, that are pending
// and due at now. A head that is in flight or conflicted blocks its entity.
// Undecodable intents are quarantined.
func (s *Storage) DequeueReady(ctx context.Context, now time.Time, limit int) ([]*models.MutationIntent, error) {
	var claimed []*models.MutationIntent

	err := s.update(func(tx *bbolt.Tx) error {
		type corrupt struct{ orderKey, id []byte }
		var broken []corrupt

		var lastEntity []byte
		c := tx.Bucket(bucketOutboxOrder).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(claimed) == limit {
				break
			}

			entity := k[:len(k)-8]
			if lastEntity != nil && bytes.Equal(entity, lastEntity) {
				// только голова очереди сущности
				continue
			}
			lastEntity = append(lastEntity[:0], entity...)

			intent, err := loadIntentLocked(tx, string(v))
			if err != nil {
				broken = append(broken, corrupt{
					orderKey: append([]byte(nil), k...),
					id:       append([]byte(nil), v...),
				})
				continue
			}

			if intent.State != models.IntentPending || intent.NextAttemptAt.After(now) {
				continue
			}
			claimed = append(claimed, intent)
		}

		for _, intent := range claimed {
			intent.State = models.IntentInFlight
			if err := saveIntentLocked(tx, intent); err != nil {
				return err
			}
		}

		for _, b := range broken {
			if err := quarantineLocked(tx, bucketOutbox, b.id); err != nil {
				return err
			}
			if err := tx.Bucket(bucketOutboxOrder).Delete(b.orderKey); err != nil {
				return fmt.Errorf("failed to unindex corrupted intent: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue intents: %w", err)
	}

	return claimed, nil
}

// Ack removes the acknowledged intent. Remaining intents of the entity that were
// based on the same version are rebased onto the canonical version and the repair
// intent, if any, is appended. The record takes the canonical form once nothing is
// left to send; otherwise local ordinary fields are kept, the version advances and
// collaborative fields take the canonical text. A dead-lettered edit of the entity
// keeps the record dirty as well.
func (s *Storage) Ack(
	ctx context.Context,
	id string,
	canonical *models.EntityRecord,
	states []*models.CRDTFieldState,
	repair *models.MutationIntent,
) error {
	err := s.update(func(tx *bbolt.Tx) error {
		acked, err := loadIntentLocked(tx, id)
		if err != nil {
			return err
		}
		if err := removeIntentLocked(tx, acked); err != nil {
			return err
		}

		remaining, err := entityIntentsLocked(tx, acked.EntityKey())
		if err != nil {
			return err
		}
		for _, intent := range remaining {
			if intent.BaseVersion != acked.BaseVersion {
				continue
			}
			intent.BaseVersion = canonical.Version
			if err := saveIntentLocked(tx, intent); err != nil {
				return err
			}
		}

		if repair != nil {
			if err := enqueueLocked(tx, repair); err != nil {
				return err
			}
		}

		entities := tx.Bucket(bucketEntities)
		key := []byte(acked.EntityKey())

		record := canonical.Clone()
		record.Dirty = false
		if len(remaining) > 0 || repair != nil || hasDeadLettersLocked(tx, acked.EntityKey()) {
			var local models.EntityRecord
			if raw := entities.Get(key); raw != nil && decodeJSON(raw, &local) == nil {
				record = &local
				record.Version = canonical.Version
				// совместные поля берут объединенный текст из канонической записи
				for _, st := range states {
					if st == nil {
						continue
					}
					if v, ok := canonical.Fields[st.FieldName]; ok {
						if record.Fields == nil {
							record.Fields = map[string]any{}
						}
						record.Fields[st.FieldName] = v
					}
				}
			}
			record.Dirty = true
		}

		if err := putJSON(entities, key, record); err != nil {
			return err
		}
		return saveFieldStatesLocked(tx, states)
	})
	if err != nil {
		return fmt.Errorf("failed to ack intent %s: %w", id, err)
	}

	return nil
}

// Unclaim returns an in-flight intent to the pending state. The attempt count is not changed
func (s *Storage) Unclaim(ctx context.Context, id string) error {
	err := s.update(func(tx *bbolt.Tx) error {
		intent, err := loadIntentLocked(tx, id)
		if err != nil {
			return err
		}
		if intent.State != models.IntentInFlight {
			return nil
		}
		intent.State = models.IntentPending
		return saveIntentLocked(tx, intent)
	})
	if err != nil {
		return fmt.Errorf("failed to unclaim intent %s: %w", id, err)
	}
	return nil
}

// Reschedule records a failed attempt and computes the next one from schedule
func (s *Storage) Reschedule(
	ctx context.Context,
	id, lastErr string,
	schedule storage.RetrySchedule,
) (*models.MutationIntent, *models.DeadLetter, error) {
	var (
		intent *models.MutationIntent
		dl     *models.DeadLetter
	)

	err := s.update(func(tx *bbolt.Tx) error {
		var err error
		intent, err = loadIntentLocked(tx, id)
		if err != nil {
			return err
		}

		intent.AttemptCount++
		intent.LastError = lastErr

		next, ok := schedule(intent.AttemptCount)
		if !ok {
			dl, err = deadLetterLocked(tx, intent, models.DeadLetterRetriesExhausted, lastErr, time.Now())
			return err
		}

		intent.State = models.IntentPending
		intent.NextAttemptAt = next
		return saveIntentLocked(tx, intent)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reschedule intent %s: %w", id, err)
	}

	return intent, dl, nil
}

// Hold parks the intent in the conflicted state
func (s *Storage) Hold(ctx context.Context, id string) error {
	err := s.update(func(tx *bbolt.Tx) error {
		intent, err := loadIntentLocked(tx, id)
		if err != nil {
			return err
		}
		intent.State = models.IntentConflicted
		return saveIntentLocked(tx, intent)
	})
	if err != nil {
		return fmt.Errorf("failed to hold intent %s: %w", id, err)
	}
	return nil
}

// Release rebases every intent of the entity onto newBase and makes held ones pending
func (s *Storage) Release(ctx context.Context, entityType, entityID string, newBase int64, now time.Time) error {
	err := s.update(func(tx *bbolt.Tx) error {
		intents, err := entityIntentsLocked(tx, models.EntityKey(entityType, entityID))
		if err != nil {
			return err
		}

		for _, intent := range intents {
			intent.BaseVersion = newBase
			if intent.State == models.IntentConflicted {
				intent.State = models.IntentPending
				intent.NextAttemptAt = now
			}
			if err := saveIntentLocked(tx, intent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release intents of %s: %w", models.EntityKey(entityType, entityID), err)
	}
	return nil
}

// Discard removes every intent of the entity and returns them
func (s *Storage) Discard(ctx context.Context, entityType, entityID string) ([]*models.MutationIntent, error) {
	var intents []*models.MutationIntent

	err := s.update(func(tx *bbolt.Tx) error {
		var err error
		intents, err = entityIntentsLocked(tx, models.EntityKey(entityType, entityID))
		if err != nil {
			return err
		}

		for _, intent := range intents {
			if err := removeIntentLocked(tx, intent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discard intents of %s: %w", models.EntityKey(entityType, entityID), err)
	}

	return intents, nil
}

// PendingCount returns the number of queued intents in any state
func (s *Storage) PendingCount(ctx context.Context) (int, error) {
	count := 0

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutboxOrder).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count intents: %w", err)
	}

	return count, nil
}

// RecoverInFlight returns intents claimed by a process that died before
// the outcome was recorded to the pending state
func (s *Storage) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0

	err := s.update(func(tx *bbolt.Tx) error {
		var stuck []*models.MutationIntent
		err := tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var intent models.MutationIntent
			if decodeJSON(v, &intent) != nil {
				return nil
			}
			if intent.State == models.IntentInFlight {
				stuck = append(stuck, &intent)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, intent := range stuck {
			intent.State = models.IntentPending
			if err := saveIntentLocked(tx, intent); err != nil {
				return err
			}
		}

		recovered = len(stuck)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight intents: %w", err)
	}

	return recovered, nil
}
