package workflow

import "errors"

var (
	// ErrDuplicateExecution is returned by Submit when the execution key
	// already exists. Callers treat it as success: the work is already
	// queued or done.
	ErrDuplicateExecution = errors.New("execution key already exists")

	// ErrNoExecutionsAvailable indicates no runnable execution was found.
	ErrNoExecutionsAvailable = errors.New("no runnable executions available")

	// ErrAtCapacity indicates the global running-execution limit is hit.
	ErrAtCapacity = errors.New("at max concurrent executions")

	// ErrNotFound indicates an unknown execution key.
	ErrNotFound = errors.New("execution not found")

	// ErrStopped indicates the execution was stopped while its step ran;
	// the step's outcome must not be persisted.
	ErrStopped = errors.New("execution stopped")
)
