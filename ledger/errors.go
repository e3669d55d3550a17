package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no session row exists for the given id.
var ErrNotFound = errors.New("upload session not found")

// ErrInvalidArgument is returned for session parameters that can never be stored.
var ErrInvalidArgument = errors.New("invalid argument")

// PersistenceError is a ledger read or write failure.
type PersistenceError struct {
	Op string
	// Collision is set when a generated session id already exists.
	Collision bool
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.Collision {
		return fmt.Sprintf("%s: session id collision: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
