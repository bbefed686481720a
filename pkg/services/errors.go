package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")
)

// RejectionError is a caller-fault rejection. Handlers map it to HTTP
// 400 with the message and details in the body.
type RejectionError struct {
	// CorrelationID is empty when the request was rejected before a
	// correlation id was assigned.
	CorrelationID string
	Message       string
	Details       []string
}

func (e *RejectionError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Details, "; "))
}

// NewRejectionError creates a rejection with no per-field details.
func NewRejectionError(correlationID, message string) error {
	return &RejectionError{CorrelationID: correlationID, Message: message}
}

// AsRejection unwraps a RejectionError, or nil.
func AsRejection(err error) *RejectionError {
	var re *RejectionError
	if errors.As(err, &re) {
		return re
	}
	return nil
}
