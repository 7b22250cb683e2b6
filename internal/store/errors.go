package store

import "errors"

var (
	// ErrConflict reports a write-write conflict with a concurrent transaction.
	// The whole read-validate-write cycle may be retried.
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)
