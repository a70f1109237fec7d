package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrDestinationMismatch = errors.New("destinations must be exactly the same to book")
	ErrBookingConflict     = errors.New("trip is no longer open")
	ErrRequestInProgress   = errors.New("a request with this idempotency key is still in progress")
	ErrStorage             = errors.New("storage failure")
)

// Invalidf builds an ErrInvalidRequest carrying a caller-facing reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// StorageError wraps a persistence failure. It matches both ErrStorage and
// the underlying cause with errors.Is.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Kind is the stable caller-facing code of a failure.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindDestinationMismatch Kind = "destination_mismatch"
	KindBookingConflict     Kind = "booking_conflict"
	KindRequestInProgress   Kind = "request_in_progress"
	KindStorage             Kind = "storage_error"
	KindInternal            Kind = "internal_error"
)

// KindOf classifies err. Order matters: a storage error wrapping a
// not-found cause is still reported as not found.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrDestinationMismatch):
		return KindDestinationMismatch
	case errors.Is(err, ErrBookingConflict):
		return KindBookingConflict
	case errors.Is(err, ErrRequestInProgress):
		return KindRequestInProgress
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}
