package gateway

import "errors"

// Sentinel errors for the gateway domain. Each maps to a stable error code
// surfaced to callers; the HTTP layer owns the status mapping.
var (
	// Authentication (C4).
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrCredentialsInvalid = errors.New("credentials invalid")
	ErrCredentialsExpired = errors.New("credentials expired")
	ErrPrincipalSuspended = errors.New("principal suspended")

	// Authorization.
	ErrForbiddenModel          = errors.New("model not allowed for tier")
	ErrForbiddenEndpoint       = errors.New("endpoint not allowed for tier")
	ErrInsufficientPermissions = errors.New("insufficient permissions")

	// Input validation and security filtering (C6).
	ErrInputTooLarge          = errors.New("input too large")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrMaliciousContent       = errors.New("malicious content detected")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrIPBlocked              = errors.New("ip blocked")

	// Admission (C5).
	ErrRateLimitedGlobal    = errors.New("global rate limit exceeded")
	ErrRateLimitedIP        = errors.New("ip rate limit exceeded")
	ErrRateLimitedPrincipal = errors.New("principal rate limit exceeded")
	ErrConcurrencyExceeded  = errors.New("concurrent request limit exceeded")
	ErrTierTokenLimit       = errors.New("tier token limit exceeded")
	ErrAdmissionUnavailable = errors.New("admission store unavailable")

	// Upstream (C3).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamError       = errors.New("upstream error")

	// Generic.
	ErrNotFound    = errors.New("not found")
	ErrUnknownTier = errors.New("unknown tier")
	ErrInternal    = errors.New("internal error")
)

// ErrorCode returns the stable wire code for a domain error. The taxonomy is
// part of the API contract; new errors must be added here before use.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials-missing"
	case errors.Is(err, ErrCredentialsInvalid):
		return "credentials-invalid"
	case errors.Is(err, ErrCredentialsExpired):
		return "credentials-expired"
	case errors.Is(err, ErrPrincipalSuspended):
		return "principal-suspended"
	case errors.Is(err, ErrForbiddenModel):
		return "forbidden-model"
	case errors.Is(err, ErrForbiddenEndpoint):
		return "forbidden-endpoint"
	case errors.Is(err, ErrInsufficientPermissions):
		return "insufficient-permissions"
	case errors.Is(err, ErrInputTooLarge):
		return "input-too-large"
	case errors.Is(err, ErrUnsupportedContentType):
		return "unsupported-content-type"
	case errors.Is(err, ErrMaliciousContent):
		return "malicious-content"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid-argument"
	case errors.Is(err, ErrIPBlocked):
		return "ip-blocked"
	case errors.Is(err, ErrRateLimitedGlobal):
		return "rate-limited-global"
	case errors.Is(err, ErrRateLimitedIP):
		return "rate-limited-ip"
	case errors.Is(err, ErrRateLimitedPrincipal):
		return "rate-limited-principal"
	case errors.Is(err, ErrConcurrencyExceeded):
		return "concurrency-exceeded"
	case errors.Is(err, ErrTierTokenLimit):
		return "tier-token-limit-exceeded"
	case errors.Is(err, ErrAdmissionUnavailable):
		return "admission-unavailable"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream-unavailable"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream-timeout"
	case errors.Is(err, ErrUpstreamError):
		return "upstream-error"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrUnknownTier):
		return "unknown-tier"
	default:
		return "internal-error"
	}
}
