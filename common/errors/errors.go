package errors

import (
	"github.com/pkg/errors"
)

// ExitCodeError pairs an error with the process exit code a binary should use for it.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Unwrap() error {
	return e.error
}

// ExitCodeOf returns the exit code carried anywhere in err's chain, GenericFailureExitCode
// for any other non-nil error, and 0 for nil.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	var ece *ExitCodeError
	if errors.As(err, &ece) {
		return ece.GetExitCode()
	}
	return GenericFailureExitCode
}
