package boltdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/models"
)

// deadLetterLocked убирает намерение из outbox и сохраняет его в deadletter.
// Запись сущности остается dirty: локальная правка не отменяется
func deadLetterLocked(
	tx *bbolt.Tx,
	intent *models.MutationIntent,
	kind, lastErr string,
	at time.Time,
) (*models.DeadLetter, error) {
	if err := removeIntentLocked(tx, intent); err != nil {
		return nil, err
	}

	intent.State = models.IntentDeadLettered
	intent.LastError = lastErr

	dl := &models.DeadLetter{
		DeadLetteredAt: at,
		Intent:         intent,
		Kind:           kind,
		Error:          lastErr,
	}
	if err := putJSON(tx.Bucket(bucketDeadLetter), []byte(intent.ID), dl); err != nil {
		return nil, err
	}

	return dl, nil
}

// entityDeadLettersLocked возвращает id намерений сущности в dead-letter.
// Bucket ключуется id намерения, поэтому просматривается целиком
func entityDeadLettersLocked(tx *bbolt.Tx, entityKey string) [][]byte {
	var ids [][]byte
	c := tx.Bucket(bucketDeadLetter).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var dl models.DeadLetter
		if decodeJSON(v, &dl) != nil || dl.Intent == nil {
			continue
		}
		if dl.Intent.EntityKey() == entityKey {
			ids = append(ids, append([]byte(nil), k...))
		}
	}
	return ids
}

func hasDeadLettersLocked(tx *bbolt.Tx, entityKey string) bool {
	return len(entityDeadLettersLocked(tx, entityKey)) > 0
}

// dropDeadLettersLocked удаляет dead-letter сущности, чьи правки уже учтены решением конфликта
func dropDeadLettersLocked(tx *bbolt.Tx, entityKey string) error {
	letters := tx.Bucket(bucketDeadLetter)
	for _, id := range entityDeadLettersLocked(tx, entityKey) {
		if err := letters.Delete(id); err != nil {
			return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
		}
	}
	return nil
}

// DeadLetter moves the intent to the dead-letter collection
func (s *Storage) DeadLetter(ctx context.Context, id, kind, lastErr string, at time.Time) (*models.DeadLetter, error) {
	var dl *models.DeadLetter

	err := s.update(func(tx *bbolt.Tx) error {
		intent, err := loadIntentLocked(tx, id)
		if err != nil {
			return err
		}
		dl, err = deadLetterLocked(tx, intent, kind, lastErr, at)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter intent %s: %w", id, err)
	}

	return dl, nil
}

// ListDeadLetters returns all dead-lettered intents, oldest first
func (s *Storage) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var dl models.DeadLetter
			if err := decodeJSON(v, &dl); err != nil {
				return fmt.Errorf("dead letter %s: %w", k, err)
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].DeadLetteredAt.Before(letters[j].DeadLetteredAt)
	})

	return letters, nil
}

// RequeueDeadLetter puts a dead-lettered intent back at the end of its entity's queue
// with a fresh attempt budget
func (s *Storage) RequeueDeadLetter(ctx context.Context, id string, now time.Time) error {
	err := s.update(func(tx *bbolt.Tx) error {
		letters := tx.Bucket(bucketDeadLetter)
		data := letters.Get([]byte(id))
		if data == nil {
			return storage.ErrDeadLetterNotFound
		}

		var dl models.DeadLetter
		if err := decodeJSON(data, &dl); err != nil {
			return err
		}
		if dl.Intent == nil {
			return fmt.Errorf("%w: dead letter without intent", storage.ErrCorrupted)
		}

		intent := dl.Intent
		intent.State = models.IntentPending
		intent.AttemptCount = 0
		intent.LastError = ""
		intent.NextAttemptAt = now

		if err := letters.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete dead letter: %w", err)
		}
		return enqueueLocked(tx, intent)
	})
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
	}
	return nil
}
