package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
// Matches the error type produced by internal/upstream.
type httpStatusError interface {
	HTTPStatus() int
}

// IsFailure reports whether an upstream error counts toward the breaker.
//
// Counted: timeouts, connection errors, and 5xx responses.
// Not counted: nil, 4xx responses, and canceled calls; those are
// caller-caused, not model fault.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}

	// A client that hung up mid-call says nothing about the model.
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		code := he.HTTPStatus()
		return code >= 500
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	// Generic errors (e.g. connection refused) -> treat as model fault.
	return true
}
