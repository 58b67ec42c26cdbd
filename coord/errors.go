package coord

import (
	"github.com/pkg/errors"
)

var (
	// ErrClaimConflict means another worker won the conditional write for the
	// same task. Expected under contention: move on to another task, never
	// retry the same one.
	ErrClaimConflict = errors.New("claim conflict: task claimed by another worker")

	// ErrNotPending means the task was no longer pending when read.
	ErrNotPending = errors.New("task is not pending")

	// ErrLeaseLost means a conditional write on a held lease failed. Under
	// correct operation this does not happen; the record was changed by
	// someone other than its owner.
	ErrLeaseLost = errors.New("lease lost: task record changed underneath its owner")

	// ErrInvalidTransition is returned when a write would break the task lifecycle.
	ErrInvalidTransition = errors.New("invalid task state transition")

	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionTerminated = errors.New("session terminated")
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
)
