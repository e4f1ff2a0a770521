package source

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransportError indicates a network-level failure reaching the forum.
type TransportError struct {
	Err error
	URL string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError indicates the request did not complete within the fetch timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s: %s", e.Timeout, e.URL)
}

// UnauthorizedError indicates a 401/403 response (login required).
type UnauthorizedError struct {
	URL        string
	StatusCode int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("HTTP %d: login required: %s", e.StatusCode, e.URL)
}

// MalformedResponseError indicates the body did not parse as expected.
type MalformedResponseError struct {
	Err error
	URL string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.URL, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// HTTPError is any other non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsUnauthorized checks if an error means the forum session is not logged in.
func IsUnauthorized(err error) bool {
	var unauthorized *UnauthorizedError
	return errors.As(err, &unauthorized)
}

// IsTimeout checks if an error is a fetch timeout.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// IsMalformed checks if an error is a response parse failure.
func IsMalformed(err error) bool {
	var malformed *MalformedResponseError
	return errors.As(err, &malformed)
}

// IsTransport checks if an error is a network failure or an unexpected HTTP status.
func IsTransport(err error) bool {
	var transport *TransportError
	var status *HTTPError
	return errors.As(err, &transport) || errors.As(err, &status)
}

// Reason returns a short stable label for err, for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsTimeout(err):
		return "timeout"
	case IsMalformed(err):
		return "malformed"
	case IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var status *HTTPError
	if errors.As(err, &status) {
		return status.StatusCode >= 500 || status.StatusCode == http.StatusTooManyRequests
	}
	return false
}
