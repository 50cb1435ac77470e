package domain

import "errors"

var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateResult        = errors.New("send result already applied")
	ErrCycleInProgress        = errors.New("scheduling cycle already in progress")

	// ErrCapacityExhausted signals that an account has no daily capacity left.
	// It is informational and never fails a cycle.
	ErrCapacityExhausted = errors.New("capacity exhausted")
)
