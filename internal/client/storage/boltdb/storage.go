package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketEntities    = []byte("entities")
	bucketOutbox      = []byte("outbox")
	bucketOutboxOrder = []byte("outbox_order")
	bucketCRDT        = []byte("crdt_state")
	bucketConflicts   = []byte("conflicts")
	bucketDeadLetter  = []byte("deadletter")
	bucketQuarantine  = []byte("quarantine")
	bucketMetadata    = []byte("metadata")

	allBuckets = [][]byte{
		bucketEntities,
		bucketOutbox,
		bucketOutboxOrder,
		bucketCRDT,
		bucketConflicts,
		bucketDeadLetter,
		bucketQuarantine,
		bucketMetadata,
	}
)

// keySep разделяет составные ключи; не встречается в идентификаторах
const keySep = 0x00

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db *bbolt.DB
}

var _ storage.Store = (*Storage)(nil)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file.
// Intents left in flight by a previous process are returned to pending.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB; таймаут не дает зависнуть на чужой блокировке файла
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	// Инициализируем buckets
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if _, err := s.RecoverInFlight(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight intents: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.Update(fn)
}

func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.View(fn)
}

// compositeKey собирает ключ из частей, разделенных keySep
func compositeKey(parts ...string) []byte {
	var key []byte
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// decodeJSON возвращает storage.ErrCorrupted, если значение не разбирается
func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorrupted, err)
	}
	return nil
}

// quarantineLocked переносит сырое значение в quarantine и удаляет его из исходного bucket
func quarantineLocked(tx *bbolt.Tx, collection []byte, key []byte) error {
	src := tx.Bucket(collection)
	raw := src.Get(key)
	if raw == nil {
		return nil
	}

	qKey := append(append([]byte(nil), collection...), keySep)
	qKey = append(qKey, key...)
	if err := tx.Bucket(bucketQuarantine).Put(qKey, append([]byte(nil), raw...)); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", key, err)
	}
	if err := src.Delete(key); err != nil {
		return fmt.Errorf("failed to remove quarantined %s: %w", key, err)
	}
	return nil
}

// ListQuarantined returns values set aside as corrupted
func (s *Storage) ListQuarantined(ctx context.Context) ([]storage.QuarantineEntry, error) {
	var entries []storage.QuarantineEntry

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQuarantine).ForEach(func(k, v []byte) error {
			collection, key, _ := cutKey(k)
			entries = append(entries, storage.QuarantineEntry{
				Collection: collection,
				Key:        key,
				Raw:        append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined values: %w", err)
	}

	return entries, nil
}

// cutKey делит составной ключ по первому разделителю
func cutKey(k []byte) (head, tail string, ok bool) {
	for i, c := range k {
		if c == keySep {
			return string(k[:i]), string(k[i+1:]), true
		}
	}
	return string(k), "", false
}
