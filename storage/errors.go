package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating an entity whose id is taken.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when a conditional write loses its race too
	// many times.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrUnchanged signals that a mutation's precondition no longer holds
	// and the write was skipped. Mutation callbacks return it to turn the
	// call into a no-op; callers treat it as "someone else got there first".
	ErrUnchanged = errors.New("entity unchanged")
)
