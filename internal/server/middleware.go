package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/telemetry"
	"github.com/autogram-ai/autogram/internal/worker"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to
// heap. Reset fields on Get, nil ResponseWriter on Put to avoid retaining
// references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500 with the standard envelope.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if s.deps.Metrics != nil {
					s.deps.Metrics.ErrorsTotal.WithLabelValues(
						"panic", telemetry.SanitizeEndpoint(r.URL.Path), tierLabel(r.Context()), "internal-error").Inc()
				}
				writeJSON(w, http.StatusInternalServerError, apiError{
					Error:     "Internal server error",
					Message:   "Internal server error",
					RequestID: gateway.RequestIDFromContext(r.Context()),
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access skips
// textproto.CanonicalMIMEHeaderKey on every request.
const requestIDHeader = "X-Request-Id"

// requestMeta allocates the per-request metadata envelope: request ID
// (caller-supplied or fresh UUIDv7), resolved client IP, and start instant.
// Later stages fill the rest by pointer mutation.
func (s *server) requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}

		meta := &gateway.RequestMeta{
			RequestID: id,
			ClientIP:  clientIP(r),
			Start:     time.Now(),
		}
		next.ServeHTTP(w, r.WithContext(gateway.ContextWithMeta(r.Context(), meta)))
	})
}

// observe wraps the response writer, tracks the active-connection gauge,
// and closes the request with metrics and the structured log line.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		m := s.deps.Metrics
		if m != nil {
			m.ActiveConnections.Inc()
		}
		next.ServeHTTP(sw, r)

		meta := gateway.MetaFromContext(r.Context())
		duration := time.Since(meta.Start)
		endpoint := telemetry.SanitizeEndpoint(r.URL.Path)
		tier := tierLabel(r.Context())
		status := strconv.Itoa(sw.status)

		if m != nil {
			m.ActiveConnections.Dec()
			m.RequestsTotal.WithLabelValues(r.Method, status, endpoint, tier).Inc()
			m.RequestDuration.WithLabelValues(r.Method, status, endpoint, tier).Observe(duration.Seconds())
			if meta.ErrorKind != "" {
				m.ErrorsTotal.WithLabelValues("request", endpoint, tier, meta.ErrorKind).Inc()
			}
		}

		attrs := []slog.Attr{
			slog.String("request_id", meta.RequestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.String("ip", meta.ClientIP),
			slog.String("user_agent", r.UserAgent()),
		}
		if meta.Principal != nil {
			attrs = append(attrs,
				slog.String("principal_id", meta.Principal.ID),
				slog.String("tier", string(meta.Principal.Tier)))
		}
		if meta.Usage.TotalTokens > 0 {
			attrs = append(attrs,
				slog.Int("input_tokens", meta.Usage.PromptTokens),
				slog.Int("output_tokens", meta.Usage.CompletionTokens),
				slog.Float64("cost_usd", meta.CostUSD))
		}
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs...)

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// ipGate rejects requests from blocked IPs before any other work.
func (s *server) ipGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := gateway.MetaFromContext(r.Context()).ClientIP
		if s.deps.Blocklist.Blocked(ip) {
			s.writeError(w, r, fmt.Errorf("%w: %s", gateway.ErrIPBlocked, ip))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inputFilter validates content type and body size, scans body and query
// for malicious patterns, sanitizes both, and feeds the suspicion scorer.
func (s *server) inputFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := s.deps.Input
		if err := f.CheckContentType(r); err != nil {
			s.writeError(w, r, err)
			return
		}

		var body []byte
		if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, f.MaxBodyBytes()+1))
			if err != nil {
				s.writeError(w, r, fmt.Errorf("%w: read body: %v", gateway.ErrInvalidArgument, err))
				return
			}
			if int64(len(body)) > f.MaxBodyBytes() {
				s.writeError(w, r, fmt.Errorf("%w: body exceeds %d bytes", gateway.ErrInputTooLarge, f.MaxBodyBytes()))
				return
			}
		}

		ip := gateway.MetaFromContext(r.Context()).ClientIP
		// Scoring never rejects the current request; it feeds the block
		// set consulted by ipGate on the next one.
		f.Observe(r, ip, int64(len(body)))

		if err := f.Scan(body, r.URL.Query()); err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(body) > 0 {
			body = f.SanitizeBody(body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		r.URL.RawQuery = f.SanitizeQuery(r.URL.Query()).Encode()

		next.ServeHTTP(w, r)
	})
}

// globalLimit is the gateway-wide window. A KV outage denies here; no
// request reaches a handler without an admission verdict.
func (s *server) globalLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Admission.Global(r.Context())
		if err != nil {
			if s.deps.Metrics != nil && errors.Is(err, gateway.ErrRateLimitedGlobal) {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("global").Inc()
			}
			setRateHeaders(w, res, true)
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimit is the per-IP minute window. Sustained abuse trips the
// blacklist inside the admission controller.
func (s *server) ipLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := gateway.MetaFromContext(r.Context()).ClientIP
		res, err := s.deps.Admission.PerIP(r.Context(), ip)
		if err != nil {
			if s.deps.Metrics != nil && errors.Is(err, gateway.ErrRateLimitedIP) {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("ip").Inc()
			}
			setRateHeaders(w, res, true)
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves credentials to a principal: API key first, then
// bearer JWT, else credentials-missing. The principal lands in the request
// metadata by pointer mutation.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			p   *gateway.Principal
			err error
		)
		if secret := extractAPIKey(r); secret != "" {
			p, err = s.deps.APIKeys.Authenticate(r.Context(), secret)
		} else if token := extractBearer(r); token != "" {
			p, err = s.deps.JWT.Verify(token)
			if err == nil {
				err = s.checkUserActive(r, p)
			}
		} else {
			err = gateway.ErrCredentialsMissing
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(gateway.ContextWithPrincipal(r.Context(), p)))
	})
}

// checkUserActive verifies the JWT subject still resolves to a live user.
func (s *server) checkUserActive(r *http.Request, p *gateway.Principal) error {
	user, err := s.deps.Store.GetUser(r.Context(), p.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.ErrCredentialsInvalid
		}
		return err
	}
	if user.Suspended {
		return gateway.ErrPrincipalSuspended
	}
	return nil
}

// principalLimits enforces the tier's hourly window and the in-flight
// semaphore. The slot is released on every exit path, panics included.
func (s *server) principalLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := gateway.PrincipalFromContext(r.Context())

		res, err := s.deps.Admission.PerPrincipal(r.Context(), p)
		if err != nil {
			if s.deps.Metrics != nil && errors.Is(err, gateway.ErrRateLimitedPrincipal) {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("principal").Inc()
			}
			setRateHeaders(w, res, true)
			s.writeError(w, r, err)
			return
		}
		setRateHeaders(w, res, false)

		if err := s.deps.Admission.Acquire(r.Context(), p); err != nil {
			if s.deps.Metrics != nil && errors.Is(err, gateway.ErrConcurrencyExceeded) {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("concurrency").Inc()
			}
			s.writeError(w, r, err)
			return
		}
		defer s.deps.Admission.Release(p)

		next.ServeHTTP(w, r)
	})
}

// maskOutput buffers the response and runs it through the output filter
// before it reaches the wire.
func (s *server) maskOutput(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(bw, r)

		masked := s.deps.Output.Mask(bw.buf.Bytes())
		w.Header()["Content-Length"] = []string{strconv.Itoa(len(masked))}
		w.WriteHeader(bw.status)
		w.Write(masked)
	})
}

// recordUsage attaches the authoritative upstream usage to the request
// metadata and queues the billing delta.
func (s *server) recordUsage(r *http.Request, modelID string, usage gateway.TokenUsage) {
	meta := gateway.MetaFromContext(r.Context())
	meta.Usage = usage

	model, ok := s.models[modelID]
	if !ok {
		return
	}
	cost := model.Cost(usage.PromptTokens, usage.CompletionTokens)
	meta.CostUSD = cost

	tier := tierLabel(r.Context())
	if m := s.deps.Metrics; m != nil {
		m.TokenUsage.WithLabelValues(modelID, "input", tier).Add(float64(usage.PromptTokens))
		m.TokenUsage.WithLabelValues(modelID, "output", tier).Add(float64(usage.CompletionTokens))
		m.ModelLatency.WithLabelValues(modelID, endpointOperation(r.URL.Path), "ok").Observe(meta.UpstreamLatency.Seconds())
	}
	if s.deps.Usage != nil && meta.Principal != nil && meta.Principal.APIKeyID != "" {
		s.deps.Usage.Record(worker.UsageDelta{
			KeyID:        meta.Principal.APIKeyID,
			InputTokens:  int64(usage.PromptTokens),
			OutputTokens: int64(usage.CompletionTokens),
			CostUSD:      cost,
		})
	}
}

// bufferedWriter captures the handler's response for the output filter.
type bufferedWriter struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (bw *bufferedWriter) WriteHeader(code int) {
	if !bw.wroteHeader {
		bw.status = code
		bw.wroteHeader = true
	}
}

func (bw *bufferedWriter) Write(b []byte) (int, error) {
	bw.wroteHeader = true
	return bw.buf.Write(b)
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// Only the first WriteHeader takes effect, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter so http.ResponseController
// and similar utilities can find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// extractAPIKey pulls an Autogram key secret from either credential header.
func extractAPIKey(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); strings.HasPrefix(v, gateway.KeySecretPrefix) {
		return v
	}
	return ""
}

// extractBearer pulls a bearer token that is not an API key secret.
func extractBearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(v, "Bearer ")
}

// clientIP resolves the caller's IP: first public X-Forwarded-For hop,
// else the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for hop := range strings.SplitSeq(xff, ",") {
			addr, err := netip.ParseAddr(strings.TrimSpace(hop))
			if err != nil {
				continue
			}
			if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
				return addr.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tierLabel(ctx context.Context) string {
	if p := gateway.PrincipalFromContext(ctx); p != nil {
		return string(p.Tier)
	}
	return "none"
}

// endpointOperation names the model operation for latency metrics.
func endpointOperation(path string) string {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return "chat"
	case strings.HasSuffix(path, "/completions"):
		return "completion"
	case strings.HasSuffix(path, "/code/analysis"):
		return "analysis"
	case strings.HasSuffix(path, "/security/scan"):
		return "scan"
	default:
		return "other"
	}
}
