package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJobID = errors.New("invalid job id")
	ErrCaseNotFound = errors.New("case not found")
)

// ConflictError rejects a start request for a job which is already
// starting or running. The job state is left untouched.
type ConflictError struct {
	JobID string
	Phase string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Phase)
}

// SpawnError means the external executable could not be launched.
type SpawnError struct {
	JobID string
	Path  string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s for job %s: %v", e.Path, e.JobID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ValidateJobID accepts 1 to 50 ASCII letters or digits, which keeps
// job ids usable as directory names.
func ValidateJobID(id string) error {
	if len(id) == 0 || len(id) > 50 {
		return fmt.Errorf("%w: %q must have 1 to 50 characters", ErrInvalidJobID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return fmt.Errorf("%w: %q must be alphanumeric", ErrInvalidJobID, id)
		}
	}
	return nil
}
