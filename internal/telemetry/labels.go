package telemetry

import (
	"regexp"
	"strings"
)

// Raw path segments would explode metric cardinality, so identifiers are
// collapsed to placeholders before being used as labels.
var (
	uuidSegRe  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numSegRe   = regexp.MustCompile(`^\d+$`)
	tokenSegRe = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)
)

// SanitizeEndpoint rewrites a request path into a bounded label: UUID
// segments become ":uuid", numeric segments ":id", and 20+ character opaque
// segments ":token".
func SanitizeEndpoint(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		switch {
		case s == "":
		case uuidSegRe.MatchString(s):
			segs[i] = ":uuid"
		case numSegRe.MatchString(s):
			segs[i] = ":id"
		case tokenSegRe.MatchString(s):
			segs[i] = ":token"
		}
	}
	return strings.Join(segs, "/")
}
