package apperrors

import "errors"

// Process exit codes used by the CLI. Values follow sysexits(3) where one fits.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitNotFound    = 66
	ExitInternal    = 70
	ExitUnavailable = 75
	ExitPermission  = 77
	ExitTimeout     = 124
	ExitInterrupted = 130
)

// ExitCode maps an error to the process exit code reported by the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrIllegalTransition):
		return ExitUsage
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrPermission):
		return ExitPermission
	case errors.Is(err, ErrResourceExhausted):
		return ExitUnavailable
	case errors.Is(err, ErrDeadlineExceeded):
		return ExitTimeout
	case errors.Is(err, ErrUnexpectedInterruption):
		return ExitInterrupted
	case errors.Is(err, ErrInternal):
		return ExitInternal
	default:
		return ExitFailure
	}
}
