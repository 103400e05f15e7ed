package orchestrator

import (
	"errors"
	"fmt"

	"github.com/seantiz/probe/internal/registry"
)

var (
	// ErrNotFound is returned when no run exists for an id.
	ErrNotFound = registry.ErrNotFound

	// ErrBackpressure is returned by Submit when the number of non-terminal
	// runs is at the configured cap. No engine call is made.
	ErrBackpressure = registry.ErrBackpressure

	// ErrInvalidState is returned when an operation is not allowed in the
	// run's current status.
	ErrInvalidState = errors.New("invalid state for operation")
)

// ValidationError is returned by Submit when a request is rejected before a
// run record is created.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
