package boltdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	keyPullCursor = "pull_cursor"
	keyNodeID     = "node_id"
)

// SaveCursor saves the pull cursor of the last successful sync
func (s *Storage) SaveCursor(ctx context.Context, cursor string) error {
	err := s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}

		if err := bucket.Put([]byte(keyPullCursor), []byte(cursor)); err != nil {
			return fmt.Errorf("failed to save pull cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pull cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the pull cursor
// Returns empty string if no pull has completed yet
func (s *Storage) GetCursor(ctx context.Context) (string, error) {
	var cursor string

	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}

		// Если курсор не найден, возвращаем пустую строку (первая синхронизация)
		cursor = string(bucket.Get([]byte(keyPullCursor)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get pull cursor: %w", err)
	}

	return cursor, nil
}

// EnsureNodeID returns the replica id of this device, generating it on first use
func (s *Storage) EnsureNodeID(ctx context.Context) (string, error) {
	var nodeID string

	err := s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}
		if existing := bucket.Get([]byte(keyNodeID)); existing != nil {
			nodeID = string(existing)
			return nil
		}

		nodeID = uuid.New().String()
		return bucket.Put([]byte(keyNodeID), []byte(nodeID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure node id: %w", err)
	}

	return nodeID, nil
}
