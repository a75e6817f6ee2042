package resilience

import (
	"context"
	"errors"
	"strings"
	"syscall"
)

// StatusCoder is implemented by client errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryable reports whether err is a connection-level failure or an
// overload response that is safe to try again. Timeouts and context
// cancellation are never retryable: a call that ran out of budget is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableStatus(sc.HTTPStatus())
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset by peer",
		"broken pipe",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether the service signalled it was overloaded
// or briefly unavailable.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 502, 503:
		return true
	default:
		return false
	}
}

// countsAsFailure decides which errors move a breaker toward open. Client
// errors (4xx other than 429) mean the request was bad, not that the
// service is unhealthy.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code >= 500 || code == 429
	}
	return true
}
