package prompt

import (
	"fmt"

	"github.com/teranos/loom/errors"
)

// ParseError reports a malformed template. Offset is the byte offset of the
// offending marker in the template source.
type ParseError struct {
	Role     string // block named by the offending marker, if any
	Offset   int
	Expected string // block that should have been closed, for mismatched closes
	Reason   string
}

func (e *ParseError) Error() string {
	switch {
	case e.Expected != "":
		return fmt.Sprintf("parse error at offset %d: %s {{/%s}}, expected {{/%s}}", e.Offset, e.Reason, e.Role, e.Expected)
	case e.Role != "":
		return fmt.Sprintf("parse error at offset %d: %s %q", e.Offset, e.Reason, e.Role)
	}
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Reason)
}

// Is reports ParseError as an invalid request
func (e *ParseError) Is(target error) bool {
	return target == errors.ErrInvalidRequest
}

// RenderErrorKind classifies render failures
type RenderErrorKind string

const (
	RenderMissingKey   RenderErrorKind = "missing_key"
	RenderNonScalar    RenderErrorKind = "non_scalar"
	RenderNull         RenderErrorKind = "null"
	RenderNotSequence  RenderErrorKind = "not_sequence"
	RenderTypeMismatch RenderErrorKind = "type_mismatch"
)

// RenderError reports a variable that could not be substituted.
// Path is the full variable path as written in the template.
type RenderError struct {
	Kind   RenderErrorKind
	Path   string
	Offset int
	Detail string
}

func (e *RenderError) Error() string {
	msg := fmt.Sprintf("render error at offset %d: %s {{%s}}", e.Offset, e.Kind, e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports RenderError as an invalid request; a missing key is also not found.
func (e *RenderError) Is(target error) bool {
	if target == errors.ErrInvalidRequest {
		return true
	}
	return target == errors.ErrNotFound && e.Kind == RenderMissingKey
}

// ContextConflictError reports an attempt to bind a key already present in a scope
type ContextConflictError struct {
	Key string
}

func (e *ContextConflictError) Error() string {
	return fmt.Sprintf("context conflict: key %q is already bound", e.Key)
}

// Is reports ContextConflictError as a conflict
func (e *ContextConflictError) Is(target error) bool {
	return target == errors.ErrConflict
}
