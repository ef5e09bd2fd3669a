package types

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify failures with errors.Is; wrapping
// sites add detail with fmt.Errorf("...: %w", kind).
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrServiceDegraded  = errors.New("service degraded")
	ErrInternal         = errors.New("internal error")
)

// NotFoundf wraps ErrNotFound with a formatted description.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidInputf wraps ErrInvalidInput with a formatted description.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}

// Conflictf wraps ErrConflict with a formatted description.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Degradedf wraps ErrServiceDegraded with a formatted description.
func Degradedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrServiceDegraded)...)
}

// Internalf wraps ErrInternal with a formatted description. Reserved for
// invariant violations detected at read time; these are logged and surfaced,
// never silently healed.
func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err wraps ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsDegraded reports whether err wraps ErrServiceDegraded.
func IsDegraded(err error) bool { return errors.Is(err, ErrServiceDegraded) }
