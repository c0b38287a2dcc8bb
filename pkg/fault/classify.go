package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class groups errors by how they should be handled.
type Class int

const (
	ClassUnknown Class = iota
	ClassTimeout
	ClassRateLimited
	ClassUnavailable
	ClassNotFound
	ClassBadRequest
	ClassMalformedResponse
	ClassFatal
	ClassCanceled
)

var classNames = map[Class]string{
	ClassUnknown:           "unknown",
	ClassTimeout:           "timeout",
	ClassRateLimited:       "rate_limited",
	ClassUnavailable:       "unavailable",
	ClassNotFound:          "not_found",
	ClassBadRequest:        "bad_request",
	ClassMalformedResponse: "malformed_response",
	ClassFatal:             "fatal",
	ClassCanceled:          "canceled",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classify maps err onto a Class.
//
// Sentinels are checked first, then context and network errors, and finally
// the message text, so that adapters which only surface a server's error
// string ("Too Many Requests", "Service Unavailable", "Not Found") are still
// classified.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrBadRequest):
		return ClassBadRequest
	case errors.Is(err, ErrMalformedResponse):
		return ClassMalformedResponse
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidConfig):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Class {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "too many requests"), strings.Contains(m, "rate limit"), strings.Contains(m, "quota"):
		return ClassRateLimited
	case strings.Contains(m, "service unavailable"), strings.Contains(m, "bad gateway"), strings.Contains(m, "gateway timeout"):
		return ClassUnavailable
	case strings.Contains(m, "timed out"), strings.Contains(m, "timeout"):
		return ClassTimeout
	case strings.Contains(m, "not found"):
		return ClassNotFound
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "forbidden"), strings.Contains(m, "access denied"):
		return ClassFatal
	}
	return ClassUnknown
}

// FromStatus converts a non-success HTTP status into a taxonomy error. The
// response body, if any, is attached as detail. It returns nil for 2xx/3xx.
//
// Some servers report quota or overload conditions inside a 4xx/5xx body
// rather than via the status code, so the body text can upgrade the class.
func FromStatus(status int, body []byte) error {
	if status < 400 {
		return nil
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512] + "..."
	}

	var sentinel error
	switch {
	case status == http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		sentinel = ErrTimeout
	case status == http.StatusNotFound:
		sentinel = ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case status >= 500:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrBadRequest
	}

	if detail != "" {
		switch classifyMessage(detail) {
		case ClassRateLimited:
			sentinel = ErrRateLimited
		case ClassUnavailable:
			if sentinel != ErrTimeout {
				sentinel = ErrUnavailable
			}
		}
		return fmt.Errorf("%w: %s", sentinel, detail)
	}
	return sentinel
}
