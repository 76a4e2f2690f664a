// internal/pkg/errors/error.go
package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// Billing errors
var (
	// ErrNotConfigured means a provider was used without credentials.
	ErrNotConfigured  = errors.New("provider not configured")
	ErrMalformedEvent = errors.New("malformed provider event")
	// ErrDuplicateEvent is not a failure; ingestion short-circuits with success.
	ErrDuplicateEvent = errors.New("duplicate provider event")
	ErrUnhandledEvent = errors.New("unhandled provider event type")

	ErrPendingRegistrationNotFound = errors.New("pending registration not found")
	ErrRegistrationExpired         = errors.New("registration expired")
	ErrPlanNotFound                = errors.New("plan not found")
	ErrAmountMismatch              = errors.New("collected amount does not match expected price")

	ErrProviderTimeout   = errors.New("provider call timed out")
	ErrTransientStorage  = errors.New("transient storage error")
	ErrIllegalTransition = errors.New("illegal subscription status transition")
)

// business errors are terminal: retrying the same event cannot change the outcome.
var business = []error{
	ErrUnhandledEvent,
	ErrPendingRegistrationNotFound,
	ErrRegistrationExpired,
	ErrPlanNotFound,
	ErrAmountMismatch,
	ErrIllegalTransition,
	ErrInvalidInput,
	ErrConflict,
}

// IsBusiness reports whether err is a terminal business error.
func IsBusiness(err error) bool {
	for _, target := range business {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
