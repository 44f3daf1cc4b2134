package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/entityflow/internal/ir"
)

// NetworkError means the request never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError means the caller-supplied deadline expired.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response. For 409 conflicts Current carries the
// server's record when the backend includes it.
type HTTPError struct {
	Op      string
	Status  int
	Message string
	Current *ir.Record
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// IsConflict reports a stale-version rejection (409).
func IsConflict(err error) bool { return StatusOf(err) == http.StatusConflict }

// IsNotFound reports a missing record (404).
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

// IsValidation reports a server-side validation rejection (422).
func IsValidation(err error) bool { return StatusOf(err) == http.StatusUnprocessableEntity }

// IsTimeout reports an expired deadline.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransient reports failures worth queueing for later: network errors and
// timeouts.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) || IsTimeout(err)
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConflict(err):
		return "conflict"
	case IsTimeout(err):
		return "timeout"
	case IsTransient(err):
		return "network"
	case StatusOf(err) != 0:
		return "http"
	default:
		return "error"
	}
}
