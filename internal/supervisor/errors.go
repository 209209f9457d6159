package supervisor

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned for operations on unknown processes, or on
// processes whose state does not allow the operation.
var ErrInvalidState = errors.New("invalid state")

// SpawnError reports that a process could not be created: the executable was
// not found, permission was denied, or the working directory is missing.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
