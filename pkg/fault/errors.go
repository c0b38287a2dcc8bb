// Package fault defines the error taxonomy shared by source adapters and the
// retry policy.
//
// Adapters report failures by wrapping one of the sentinel errors below,
// usually inside an *Error carrying request context. Classify maps any error
// onto a Class without knowing which adapter produced it.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors for source operations.
var (
	// ErrTimeout indicates the request did not complete in time.
	ErrTimeout = errors.New("request timed out")

	// ErrRateLimited indicates the source rejected the request for quota reasons.
	ErrRateLimited = errors.New("too many requests")

	// ErrUnavailable indicates a server-side failure or overload.
	ErrUnavailable = errors.New("service unavailable")

	// ErrNotFound indicates the source holds no data for the request.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest indicates the source rejected the request as malformed.
	ErrBadRequest = errors.New("bad request")

	// ErrMalformedResponse indicates a response that could not be parsed.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidConfig indicates the source configuration is unusable.
	ErrInvalidConfig = errors.New("invalid source configuration")
)

// Error wraps a source failure with context.
type Error struct {
	// Op is the operation that failed (e.g., "fetch", "probe", "parse").
	Op string

	// Source is the catalog source name.
	Source string

	// Unit is the unit ID, if applicable.
	Unit string

	// Status is the HTTP status code, if the failure came from a response.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := e.Source + " " + e.Op
	if e.Unit != "" {
		prefix += " " + e.Unit
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", prefix, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error indicates a timed out request.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRateLimited returns true if the error indicates a quota rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnavailable returns true if the error indicates a server-side failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound returns true if the error indicates absent data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized returns true if the error indicates a credential failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
