package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrInvalidTransition means the target status is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLockLost means a batch lock could not be renewed by its holder.
	ErrLockLost = errors.New("batch lock lost")
	// ErrUnknownStatus means a status value is not a member of the entity's enum.
	ErrUnknownStatus = errors.New("unknown status")
)
