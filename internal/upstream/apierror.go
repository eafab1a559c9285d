package upstream

import (
	"fmt"
	"io"
	"net/http"

	gateway "github.com/autogram-ai/autogram/internal"
)

// APIError represents an error response from an upstream model service.
// It satisfies the httpStatusError interface used by breaker classification.
type APIError struct {
	Model      string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including model, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Model, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for breaker classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap ties the error into the domain taxonomy so the transport layer
// maps it to a bad-gateway response unless it intercepts the status first.
func (e *APIError) Unwrap() error { return gateway.ErrUpstreamError }

// parseAPIError reads up to 4KB from the response body and returns an APIError.
func parseAPIError(model string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Model: model, StatusCode: resp.StatusCode, Body: string(body)}
}
