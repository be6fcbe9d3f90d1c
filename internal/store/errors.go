package store

import "errors"

// Sentinel errors for the orchestration core. Callers branch with errors.Is.
var (
	// ErrNotFound means a referenced repository, task, approval, or agent is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a state change violates the lifecycle,
	// e.g. resolving an already-resolved approval or cancelling a terminal task.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification means a conditional update lost a race.
	// Callers retry the read-decide-write cycle a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrRetryExhausted means a task failed with no retries left; terminal.
	ErrRetryExhausted = errors.New("retries exhausted")
)
