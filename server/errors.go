package server

import (
	"context"
	"net/http"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// StatusClientClosedRequest is nginx's code for a request the client gave up on
const StatusClientClosedRequest = 499

// Error kinds reported in ErrorBody.Kind
const (
	KindParse       = "parse"
	KindRender      = "render"
	KindConflict    = "conflict"
	KindBackend     = "backend"
	KindCancelled   = "cancelled"
	KindTimeout     = "timeout"
	KindInvalid     = "invalid_request"
	KindNotFound    = "not_found"
	KindUnavailable = "unavailable"
	KindInternal    = "internal"
)

// classify maps an error to its HTTP status and ErrorBody.Kind.
// The innermost typed error decides: a composition failing on a render error
// is a render error.
func classify(err error) (int, string) {
	var (
		parseErr  *prompt.ParseError
		renderErr *prompt.RenderError
	)
	switch {
	case errors.IsCancelledError(err) && errors.Is(err, context.DeadlineExceeded):
		// the server's own request deadline, not the client leaving
		return http.StatusGatewayTimeout, KindTimeout
	case errors.IsCancelledError(err):
		return StatusClientClosedRequest, KindCancelled
	case errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity, KindParse
	case errors.As(err, &renderErr):
		return http.StatusUnprocessableEntity, KindRender
	case errors.IsConflictError(err):
		return http.StatusConflict, KindConflict
	}
	if _, ok := ai.AsBackendError(err); ok {
		return http.StatusBadGateway, KindBackend
	}
	switch {
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest, KindInvalid
	case errors.IsNotFoundError(err):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, KindUnavailable
	}
	return http.StatusInternalServerError, KindInternal
}

// errorBody builds the client-facing description of err
func errorBody(err error) (int, *ErrorBody) {
	status, kind := classify(err)
	body := &ErrorBody{
		Message: err.Error(),
		Kind:    kind,
		Hints:   errors.GetAllHints(err),
	}
	var comp *chain.CompositionError
	if errors.As(err, &comp) {
		step := comp.Index
		body.Step = &step
		body.StepName = comp.Step
	}
	if be, ok := ai.AsBackendError(err); ok {
		body.Retriable = be.Retriable
		body.Kind = KindBackend + "/" + string(be.Kind)
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	return status, body
}
