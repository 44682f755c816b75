package usage

import (
	"errors"
	"fmt"
)

var (
	ErrParticipantNotFound = errors.New("participant not found for this challenge")
	ErrChallengeNotActive  = errors.New("challenge is not active")
	ErrOutOfWindow         = errors.New("report is outside the challenge window")
)

// ValidationError is a malformed submission. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
