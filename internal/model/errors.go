package model

import "errors"

// ErrNotFound signals an absent record. Expired and never-written keys are
// indistinguishable to callers.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input at the API boundary before any state
// is mutated.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TransientError marks a collaborator failure worth retrying (rate limit,
// timeout, resource exhaustion).
type TransientError struct {
	Err error
}

func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a collaborator failure that must not be retried
// (invalid input, content rejected, unauthorized).
type PermanentError struct {
	Err error
}

func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried at the task level.
// Unclassified errors are treated as transient so flaky infrastructure
// gets the benefit of the retry budget; permanent failures must be marked
// explicitly.
func IsTransient(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var val *ValidationError
	return !errors.As(err, &val)
}
