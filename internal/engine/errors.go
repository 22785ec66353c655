package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed input, rejected before any transaction
	// starts.
	ErrValidation = errors.New("validation failed")
	// ErrPreconditionFailed covers conditions detected inside a transaction
	// before any write; the transaction aborts with no partial state.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrAlreadyApplied marks a second attempt at an irreversible operation.
	// It is not retried.
	ErrAlreadyApplied = errors.New("operation already applied")
	ErrForbidden      = errors.New("forbidden role")
	ErrNotFound       = errors.New("not found")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

func alreadyAppliedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAlreadyApplied, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
