package chain

import (
	"fmt"

	"github.com/teranos/loom/errors"
)

// CancelledError reports a chain execution stopped by its context.
// The context it was executing against is left unchanged.
type CancelledError struct {
	Chain string
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Chain != "" {
		return fmt.Sprintf("chain %q cancelled: %v", e.Chain, e.Cause)
	}
	return fmt.Sprintf("chain cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// Is reports CancelledError as ErrCancelled
func (e *CancelledError) Is(target error) bool {
	return target == errors.ErrCancelled
}

// CompositionError reports the step at which a composer run stopped.
// Err is the step's own error (RenderError, BackendError, ...).
type CompositionError struct {
	Index int
	Step  string
	Err   error
}

func (e *CompositionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
	}
	return fmt.Sprintf("step %d failed: %v", e.Index, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

func cancelled(name string, cause error) error {
	if cause == nil {
		cause = errors.ErrCancelled
	}
	return &CancelledError{Chain: name, Cause: cause}
}
