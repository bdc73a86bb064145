package remote

import (
	"errors"
	"fmt"
)

// ErrUnknownOutcome marks calls whose effect on the backend cannot be known:
// timeouts, transport failures, 5xx replies and unparseable 200 replies. Callers must resolve these on
// a later tick instead of assuming nothing happened.
var ErrUnknownOutcome = errors.New("remote: outcome unknown")

// BackendError is an explicit error payload returned by the backend, e.g.
// insufficient balance.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
}

// Unwrap exposes ErrUnknownOutcome for server-side failures, which may have
// happened after the trade was submitted.
func (e *BackendError) Unwrap() error {
	if e.Status >= 500 {
		return ErrUnknownOutcome
	}
	return nil
}

// IsUnknownOutcome reports whether err leaves the backend state undetermined.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnknownOutcome)
}
