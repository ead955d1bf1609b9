package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Permanent failure causes.
var (
	ErrMalformedURL      = errors.New("malformed url")
	ErrDisallowedScheme  = errors.New("disallowed scheme")
	ErrBlockedHost       = errors.New("blocked host")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrEmptyContent      = errors.New("empty content")
	ErrRendererRejected  = errors.New("renderer rejected request")
	ErrRendererDisabled  = errors.New("renderer disabled")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// ErrRenderTimeout marks a render that hit its deadline. It is transient.
var ErrRenderTimeout = errors.New("render timeout")

var permanentCauses = []error{
	ErrMalformedURL,
	ErrDisallowedScheme,
	ErrBlockedHost,
	ErrRobotsDisallowed,
	ErrEmptyContent,
	ErrRendererRejected,
	ErrRendererDisabled,
	ErrAttemptsExhausted,
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as unrecoverable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPStatusError reports a non-success document status from a renderer.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, http.StatusText(e.Code))
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPStatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout,
		e.Code == http.StatusTooEarly,
		e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 500:
		return true
	default:
		return false
	}
}

// StatusError returns an error for non-2xx/3xx codes, nil otherwise. A zero
// code means the renderer could not observe one and is treated as success.
func StatusError(code int) error {
	if code == 0 || code < 400 {
		return nil
	}
	return &HTTPStatusError{Code: code}
}

// Classify maps an error to the fetch outcome taxonomy.
func Classify(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return StatusPermanentFailure
	}
	for _, cause := range permanentCauses {
		if errors.Is(err, cause) {
			return StatusPermanentFailure
		}
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return StatusTransientFailure
		}
		return StatusPermanentFailure
	}
	if errors.Is(err, ErrRenderTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return StatusTransientFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return StatusTransientFailure
	}
	return StatusTransientFailure
}

// ErrorLabel returns a low-cardinality label for metrics and logs.
func ErrorLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrMalformedURL):
		return "malformed_url"
	case errors.Is(err, ErrDisallowedScheme):
		return "scheme"
	case errors.Is(err, ErrBlockedHost):
		return "blocked"
	case errors.Is(err, ErrRobotsDisallowed):
		return "robots"
	case errors.Is(err, ErrEmptyContent):
		return "empty"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("%dxx", statusErr.Code/100)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network"
	}
	return "other"
}
