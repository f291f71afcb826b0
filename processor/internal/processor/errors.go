package processor

import (
	"errors"
	"fmt"
)

// TransientError is a downstream failure worth retrying. The message is left
// in the queue and comes back after its visibility timeout.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError means retrying cannot help. The message is dead-lettered at
// once.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTerminal reports whether err is, or wraps, a TerminalError.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}
