package tracker

import "errors"

var (
	// ErrNotFound is returned when no header exists for a correlation id.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyExists is returned when creating a header whose
	// correlation id is already taken.
	ErrAlreadyExists = errors.New("request already exists")

	// ErrTerminalStage is returned when appending a stage to a header
	// that already reached a terminal stage.
	ErrTerminalStage = errors.New("request is in a terminal stage")
)
