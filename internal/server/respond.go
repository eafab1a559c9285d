package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/admission"
	"github.com/autogram-ai/autogram/internal/upstream"
)

// apiError is the error envelope returned on every failure path.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps a domain error to its stable code and HTTP status.
// Internal errors are logged in full but surfaced with a generic message.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := gateway.ErrorCode(err)
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
		msg = "Internal server error"
	}
	if meta := gateway.MetaFromContext(r.Context()); meta != nil {
		meta.ErrorKind = code
	}
	writeJSON(w, status, apiError{
		Error:     code,
		Message:   msg,
		RequestID: gateway.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// statusClientClosedRequest is the nginx convention for a caller that went
// away mid-request. Never reaches a client; it exists for metrics and logs.
const statusClientClosedRequest = 499

func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, gateway.ErrCredentialsMissing),
		errors.Is(err, gateway.ErrCredentialsInvalid),
		errors.Is(err, gateway.ErrCredentialsExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrPrincipalSuspended),
		errors.Is(err, gateway.ErrForbiddenModel),
		errors.Is(err, gateway.ErrForbiddenEndpoint),
		errors.Is(err, gateway.ErrInsufficientPermissions),
		errors.Is(err, gateway.ErrIPBlocked),
		errors.Is(err, gateway.ErrUnknownTier):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, gateway.ErrMaliciousContent),
		errors.Is(err, gateway.ErrInvalidArgument),
		errors.Is(err, gateway.ErrTierTokenLimit):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrRateLimitedGlobal),
		errors.Is(err, gateway.ErrRateLimitedIP),
		errors.Is(err, gateway.ErrRateLimitedPrincipal),
		errors.Is(err, gateway.ErrConcurrencyExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrAdmissionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamError),
		errors.Is(err, gateway.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeUpstreamError maps an upstream dispatch failure onto the wire.
// Upstream 4xx statuses pass through so callers see the model's own
// validation errors; everything else goes through the standard mapping.
// Breaker rejections carry a Retry-After hint.
func (s *server) writeUpstreamError(w http.ResponseWriter, r *http.Request, modelID string, err error) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		if meta := gateway.MetaFromContext(r.Context()); meta != nil {
			meta.ErrorKind = "upstream-error"
		}
		writeJSON(w, apiErr.StatusCode, apiError{
			Error:     "upstream-error",
			Message:   err.Error(),
			RequestID: gateway.RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	if errors.Is(err, gateway.ErrUpstreamUnavailable) {
		if wait := s.deps.Upstream.RetryAfter(modelID); wait > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(wait.Seconds())+1, 10))
		}
	}
	s.writeError(w, r, err)
}

// setRateHeaders writes the standard X-RateLimit headers from a window
// result, plus Retry-After when the wait is deterministic.
func setRateHeaders(w http.ResponseWriter, res admission.Result, denied bool) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(res.Remaining, 0), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if denied {
		if wait := res.RetryAfter(time.Now()); wait > 0 {
			h.Set("Retry-After", strconv.FormatInt(int64(wait.Seconds())+1, 10))
		}
	}
}
