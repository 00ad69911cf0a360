package ai

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// ErrorKind classifies backend failures
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindRateLimited    ErrorKind = "rate_limited"
	KindUnavailable    ErrorKind = "unavailable"
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindMalformed      ErrorKind = "malformed"
	KindUnknown        ErrorKind = "unknown"
)

// BackendError is the error every backend reports. Retriable is a hint for
// callers and policy wrappers; nothing in a chain retries on its own.
type BackendError struct {
	Provider   string
	Kind       ErrorKind
	Retriable  bool
	StatusCode int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // from a Retry-After header, if any
	Err        error
}

// NewBackendError creates a BackendError with the default retriable hint for kind
func NewBackendError(provider string, kind ErrorKind, err error) *BackendError {
	return &BackendError{
		Provider:  provider,
		Kind:      kind,
		Retriable: DefaultRetriable(kind),
		Err:       err,
	}
}

// DefaultRetriable reports whether failures of kind are usually transient
func DefaultRetriable(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindUnavailable, KindMalformed:
		return true
	}
	return false
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("backend error")
	if e.Provider != "" {
		b.WriteString(" (" + e.Provider + ")")
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " [status %d]", e.StatusCode)
	}
	if e.Retriable {
		b.WriteString(" (retriable)")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the shared sentinels
func (e *BackendError) Is(target error) bool {
	switch target {
	case errors.ErrTimeout:
		return e.Kind == KindTimeout
	case errors.ErrServiceUnavailable:
		return e.Kind == KindUnavailable || e.Kind == KindRateLimited
	case errors.ErrInvalidRequest:
		return e.Kind == KindInvalidRequest || e.Kind == KindAuth
	}
	return false
}

// AsBackendError extracts a *BackendError from err's chain
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetriable reports whether err is a BackendError marked retriable
func IsRetriable(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.Retriable
}

// ClassifyStatus maps an HTTP status code to an error kind and retriable hint
func ClassifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth, false
	case code == http.StatusRequestTimeout:
		return KindTimeout, true
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code >= 500:
		// includes Anthropic's 529 overloaded
		return KindUnavailable, true
	case code >= 400:
		return KindInvalidRequest, false
	}
	return KindUnknown, false
}

var transientMessages = []string{
	"connection reset by peer",
	"connection refused",
	"temporary failure",
	"network is unreachable",
	"no such host",
	"eof",
}

// ClassifyTransport maps a failed round trip (no HTTP response) to an error kind
func ClassifyTransport(err error) (ErrorKind, bool) {
	if err == nil {
		return KindUnknown, false
	}
	if errors.Is(err, httpclient.ErrBlocked) {
		return KindInvalidRequest, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH:
			return KindUnavailable, true
		case syscall.ETIMEDOUT:
			return KindTimeout, true
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") {
		return KindTimeout, true
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return KindUnavailable, true
		}
	}
	return KindUnknown, false
}
