package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an observation carries neither an email nor a phone
	ErrInvalidInput = errors.New("at least one of email or phoneNumber is required")
	// ErrNotFound is returned by stores when a contact id does not resolve to a live contact
	ErrNotFound = errors.New("contact not found")
	// ErrStorage matches every *StorageError via errors.Is
	ErrStorage = errors.New("storage failure")
	// ErrConcurrentModification is wrapped in a *StorageError when a cluster kept changing
	// underneath a reconciliation
	ErrConcurrentModification = errors.New("cluster modified concurrently")
)

// StorageError reports a failed persistence step. The engine never returns a partial view
// alongside it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) match any storage error
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// wrapStorage wraps err as a *StorageError unless it already is one
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// errorKind labels an error for metrics
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage"
	}
}
