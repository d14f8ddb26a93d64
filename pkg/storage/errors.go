package storage

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Errors returned for invalid writes.  They are always wrapped into a
// *PersistenceError.
const (
	ErrNilRequest     errors.Error = "nil request"
	ErrNoTimestamp    errors.Error = "request has no timestamp"
	ErrTimestampRange errors.Error = "request timestamp is out of range"
	ErrInvalidAddress errors.Error = "request has no valid remote ip address"
	ErrClosed         errors.Error = "store is closed"
)

// ErrMissingRequest is wrapped into a *MalformedDataError when an index points
// to a request that isn't stored.
const ErrMissingRequest errors.Error = "indexed request is missing"

// PersistenceError is returned when the backing storage cannot complete an
// operation.  A write that failed with it may or may not have been applied.
type PersistenceError struct {
	Err     error
	Backend string
	Op      string
}

// Error implements the error interface for *PersistenceError.
func (err *PersistenceError) Error() (msg string) {
	return fmt.Sprintf("storage %s: %s: %v", err.Backend, err.Op, err.Err)
}

// Unwrap implements the errors.Wrapper interface for *PersistenceError.
func (err *PersistenceError) Unwrap() (unwrapped error) {
	return err.Err
}

// MalformedDataError is returned when a stored value cannot be decoded back
// into its domain form, which means the backend data is corrupted.
type MalformedDataError struct {
	Err   error
	Field string
	Value string
}

// Error implements the error interface for *MalformedDataError.
func (err *MalformedDataError) Error() (msg string) {
	return fmt.Sprintf("malformed %s %q: %v", err.Field, err.Value, err.Err)
}

// Unwrap implements the errors.Wrapper interface for *MalformedDataError.
func (err *MalformedDataError) Unwrap() (unwrapped error) {
	return err.Err
}

// wrapErr returns err wrapped into a *PersistenceError, or nil if err is nil.
func wrapErr(backend, op string, err error) (wrapped error) {
	if err == nil {
		return nil
	}

	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}

	return &PersistenceError{
		Err:     err,
		Backend: backend,
		Op:      op,
	}
}
