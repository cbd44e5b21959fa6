package recorder

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the wrapped program is not on PATH.
var ErrNotFound = errors.New("recorder: program not found")

// ExitError carries the status the recorder process should exit with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
