package security

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
)

// defaultMaliciousPatterns are always scanned regardless of config.
var defaultMaliciousPatterns = []string{
	`(?i)\beval\s*\(`,
	`(?i)\bexec\s*\(`,
	`(?i)\bsystem\s*\(`,
	`(?i)\bshell_exec\b`,
	`(?i)\bpassthru\b`,
	`(?i)<script`,
	`(?i)javascript:`,
	`(?i)data:text/html`,
	`\$\{[^}]*\}`,
}

var (
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
	sqlVerbRe   = regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|truncate)\b`)
	botAgentRe  = regexp.MustCompile(`(?i)(curl|wget|python-requests|go-http-client|bot|crawler|scanner|sqlmap|nikto)`)
	proxyHeader = []string{"X-Originating-IP", "X-Remote-IP", "X-Remote-Addr", "X-ProxyUser-Ip", "Client-IP"}
)

const (
	defaultMaxBodyBytes       = 100 << 10
	defaultSuspicionThreshold = 5
	oversizedBodyBytes        = 100 << 10
	rapidFireSpacing          = 1000 // milliseconds
)

// InputFilter validates and sanitizes inbound requests and scores them for
// suspicion. It is stateless except for the block set it feeds.
type InputFilter struct {
	allowedTypes map[string]bool
	malicious    []*regexp.Regexp
	maxBody      int64
	threshold    int
	blocklist    *Blocklist
}

// NewInputFilter compiles the filter from config. Configured patterns extend
// the builtin set; a bad pattern is a startup error, not a silent skip.
func NewInputFilter(cfg config.SecurityConfig, blocklist *Blocklist) (*InputFilter, error) {
	f := &InputFilter{
		allowedTypes: make(map[string]bool),
		maxBody:      cfg.MaxBodyBytes,
		threshold:    cfg.SuspicionThreshold,
		blocklist:    blocklist,
	}
	if f.maxBody <= 0 {
		f.maxBody = defaultMaxBodyBytes
	}
	if f.threshold <= 0 {
		f.threshold = defaultSuspicionThreshold
	}

	types := cfg.AllowedContentTypes
	if len(types) == 0 {
		types = []string{"application/json"}
	}
	for _, t := range types {
		f.allowedTypes[strings.ToLower(t)] = true
	}

	for _, p := range append(append([]string{}, defaultMaliciousPatterns...), cfg.MaliciousPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile malicious pattern %q: %w", p, err)
		}
		f.malicious = append(f.malicious, re)
	}
	return f, nil
}

// MaxBodyBytes returns the configured request body cap.
func (f *InputFilter) MaxBodyBytes() int64 { return f.maxBody }

// CheckContentType rejects request bodies whose media type is not in the
// allow-list. Requests without bodies pass.
func (f *InputFilter) CheckContentType(r *http.Request) error {
	if r.ContentLength == 0 && r.Body == nil {
		return nil
	}
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return nil
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(r.Header.Get("Content-Type"), ";", 2)[0]))
	if ct == "" || !f.allowedTypes[ct] {
		return fmt.Errorf("%w: %q", gateway.ErrUnsupportedContentType, ct)
	}
	return nil
}

// Scan rejects payloads matching any malicious pattern. Both the raw body
// and the query string are scanned.
func (f *InputFilter) Scan(body []byte, query url.Values) error {
	for _, re := range f.malicious {
		if re.Match(body) {
			return fmt.Errorf("%w: pattern %s", gateway.ErrMaliciousContent, re.String())
		}
	}
	for key, vals := range query {
		for _, re := range f.malicious {
			if re.MatchString(key) {
				return fmt.Errorf("%w: query key", gateway.ErrMaliciousContent)
			}
			for _, v := range vals {
				if re.MatchString(v) {
					return fmt.Errorf("%w: query value", gateway.ErrMaliciousContent)
				}
			}
		}
	}
	return nil
}

// SanitizeBody rewrites a JSON body with every string, keys included,
// passed through sanitizeString. Non-JSON bodies are returned untouched;
// the content-type gate has already restricted what reaches this point.
func (f *InputFilter) SanitizeBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	clean, err := json.Marshal(sanitizeValue(doc))
	if err != nil {
		return body
	}
	return clean
}

// SanitizeQuery returns a copy of the query with keys and values sanitized.
func (f *InputFilter) SanitizeQuery(query url.Values) url.Values {
	out := make(url.Values, len(query))
	for key, vals := range query {
		cleanVals := make([]string, len(vals))
		for i, v := range vals {
			cleanVals[i] = sanitizeString(v)
		}
		out[sanitizeString(key)] = cleanVals
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[sanitizeString(k)] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}

var quoteRunRe = regexp.MustCompile(`'+`)

// markupEscaper escapes markup specials. Apostrophes stay raw so the SQL
// quote doubling survives into the output.
var markupEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")

// sanitizeString strips HTML tags, doubles SQL quote characters, and escapes
// markup specials. The transform is a fixed point: feeding sanitized text
// back through returns it unchanged, so a replayed body is not re-escaped.
func sanitizeString(s string) string {
	// Unescape and strip to a joint fixed point first; entity-encoded or
	// split tags otherwise reappear on a second pass.
	for {
		u := html.UnescapeString(s)
		u = htmlTagRe.ReplaceAllString(u, "")
		if u == s {
			break
		}
		s = u
	}
	// An even run of quotes is already doubled; leave it alone.
	s = quoteRunRe.ReplaceAllStringFunc(s, func(run string) string {
		if len(run)%2 == 0 {
			return run
		}
		return run + "'"
	})
	return markupEscaper.Replace(s)
}

// Score computes the heuristic suspicion score of a request:
//
//	+2 unusual proxy headers
//	+2 short or bot-like user agent
//	+1 under 1s since the IP's previous request
//	+2 body over 100KB
//	+3 path traversal in the URL
//	+3 SQL verbs in the URL
func (f *InputFilter) Score(r *http.Request, bodyLen int64, sinceLast int64) int {
	score := 0
	for _, h := range proxyHeader {
		if r.Header.Get(h) != "" {
			score += 2
			break
		}
	}
	ua := r.UserAgent()
	if len(ua) < 10 || botAgentRe.MatchString(ua) {
		score += 2
	}
	if sinceLast >= 0 && sinceLast < rapidFireSpacing {
		score++
	}
	if bodyLen > oversizedBodyBytes {
		score += 2
	}
	rawURL := r.URL.RequestURI()
	if strings.Contains(rawURL, "../") {
		score += 3
	}
	if sqlVerbRe.MatchString(rawURL) {
		score += 3
	}
	return score
}

// Observe scores the request and records a suspicion tick when the score
// crosses the threshold. Reports whether the IP is now blocked.
func (f *InputFilter) Observe(r *http.Request, ip string, bodyLen int64) bool {
	since := f.blocklist.Touch(ip)
	if f.Score(r, bodyLen, since.Milliseconds()) >= f.threshold {
		return f.blocklist.Tick(ip)
	}
	return false
}
