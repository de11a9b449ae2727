package storage

import "errors"

// Common storage errors
var (
	// ErrEntityNotFound indicates that the entity does not exist on the server
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidMutation indicates that the intent cannot be applied as sent
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrIdempotencyMismatch indicates that an idempotency key was reused for another payload
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
)
