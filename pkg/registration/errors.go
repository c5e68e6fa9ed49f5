package registration

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable is returned when the configured engine backend is
// not part of this build
var ErrBackendUnavailable = errors.New("registration backend not available")

// ValidationError reports inconsistent registration input. It is raised
// before the engine executes.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
