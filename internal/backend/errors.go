package backend

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when an engine cannot be reached or answers
// with a server-side failure.
var ErrUnavailable = errors.New("engine unavailable")

// RejectedError is returned when an engine explicitly refuses a request.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine rejected request (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("engine rejected request (status %d): %s", e.StatusCode, e.Reason)
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ConfigError describes an invalid engine-specific configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
