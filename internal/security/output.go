package security

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/autogram-ai/autogram/internal/config"
)

// SensitiveKeyRe matches field names whose values must never leave the
// gateway unmasked. Shared with the request logger for body redaction.
var SensitiveKeyRe = regexp.MustCompile(`(?i)(password|secret|key|token|auth|credential|private|hash|salt|signature|certificate)`)

var (
	emailRe = regexp.MustCompile(`\b([A-Za-z0-9._%+-]{2})[A-Za-z0-9._%+-]*@([A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)
	phoneRe = regexp.MustCompile(`\b(?:\+?\d{1,3}[-. ])?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	cardRe  = regexp.MustCompile(`\b\d{4}[-. ]?\d{4}[-. ]?\d{4}[-. ]?(\d{4})\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// Dangerous fragments are replaced with a sentinel instead of being
	// escaped, so downstream renderers never see them at all.
	dangerousRe = regexp.MustCompile(`(?i)(<script[^>]*>|</script>|javascript:|data:text/html|on\w+\s*=)`)

	// Assignment-style secrets inside free text ("password=hunter2",
	// "api_key: abc"). Only the value is replaced; the sentinel itself
	// matches the value pattern, which keeps the pass idempotent.
	secretAssignRe = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`)
)

const filteredSentinel = "[filtered]"

// OutputFilter masks PII and secret material in response bodies. Masking is
// idempotent: running an already-masked body through again is a no-op.
type OutputFilter struct {
	maskPII  bool
	maskKeys bool
}

// NewOutputFilter builds the filter from the security config switches.
func NewOutputFilter(cfg config.SecurityConfig) *OutputFilter {
	return &OutputFilter{maskPII: cfg.MaskOutputPII, maskKeys: cfg.MaskSensitiveKeys}
}

// Mask rewrites a JSON response body with PII masked, sensitive-keyed
// values masked, and dangerous fragments replaced. Non-JSON bodies get the
// text pass only.
func (f *OutputFilter) Mask(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return []byte(f.MaskText(string(body)))
	}
	masked, err := json.Marshal(f.maskValue(doc, false))
	if err != nil {
		return body
	}
	return masked
}

// MaskText applies the secret, PII, and dangerous-pattern passes to a plain
// string. Secrets and dangerous fragments are stripped unconditionally; PII
// masking follows the config switch.
func (f *OutputFilter) MaskText(s string) string {
	s = dangerousRe.ReplaceAllString(s, filteredSentinel)
	s = secretAssignRe.ReplaceAllString(s, "${1}${2}"+filteredSentinel)
	if !f.maskPII {
		return s
	}
	s = emailRe.ReplaceAllString(s, "$1***@$2")
	s = cardRe.ReplaceAllString(s, "****-****-****-$1")
	s = ssnRe.ReplaceAllString(s, "***-**-****")
	s = phoneRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, "****") {
			return m
		}
		return "***-***-****"
	})
	return s
}

// MaskSecret hides a sensitive value: first four characters plus stars, or
// just stars when the value is too short to show anything safely.
func MaskSecret(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	if strings.HasSuffix(v, "****") {
		return v // already masked
	}
	return v[:4] + "****"
}

func (f *OutputFilter) maskValue(v any, sensitive bool) any {
	switch t := v.(type) {
	case string:
		if sensitive && f.maskKeys {
			return MaskSecret(t)
		}
		return f.MaskText(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = f.maskValue(val, sensitive || SensitiveKeyRe.MatchString(k))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = f.maskValue(val, sensitive)
		}
		return out
	default:
		return v
	}
}
