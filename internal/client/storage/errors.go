package storage

import "errors"

// Common client storage errors
var (
	// ErrEntityNotFound indicates that no record (or tombstone) exists for the entity
	ErrEntityNotFound = errors.New("entity not found")

	// ErrIntentNotFound indicates that the outbox has no intent with the given id
	ErrIntentNotFound = errors.New("intent not found")

	// ErrIntentExists indicates that an intent with the same idempotency id is already queued
	ErrIntentExists = errors.New("intent already exists")

	// ErrConflictNotFound indicates that no conflict case exists for the entity
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrDeadLetterNotFound indicates that no dead-lettered intent has the given id
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrFieldStateNotFound indicates that a collaborative field has no replicated state yet
	ErrFieldStateNotFound = errors.New("crdt field state not found")

	// ErrCorrupted indicates that a stored value cannot be decoded; the value is quarantined
	ErrCorrupted = errors.New("stored value is corrupted")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
