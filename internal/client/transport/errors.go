package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a push or pull failure.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota
	// KindValidation failures are terminal: the server rejected the payload.
	KindValidation
	// KindPermission failures are terminal: the caller may not perform the write.
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	}
	return "unknown"
}

// Error is a classified transport failure.
type Error struct {
	Err        error
	Message    string
	Kind       Kind
	StatusCode int // 0, если ответ не получен
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal reports whether retrying cannot succeed.
func (e *Error) Terminal() bool {
	return e.Kind == KindValidation || e.Kind == KindPermission
}

// NewTransient wraps err as a retryable failure.
func NewTransient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// FromStatus classifies an HTTP error response.
// 429 and 5xx are transient, as are statuses the contract does not name.
func FromStatus(code int, message string) *Error {
	e := &Error{StatusCode: code, Message: message, Kind: KindTransient}
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = KindPermission
	}
	return e
}

// Classify returns the kind of err. Anything that is not a terminal *Error,
// including cancellation and timeouts, is transient.
func Classify(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// IsCancellation reports whether err comes from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
