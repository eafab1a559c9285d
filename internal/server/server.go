// Package server implements the HTTP transport layer for the Autogram
// gateway: the middleware pipeline, the OpenAI-compatible model endpoints,
// key lifecycle and OAuth routes, and the system surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/admission"
	"github.com/autogram-ai/autogram/internal/auth"
	"github.com/autogram-ai/autogram/internal/config"
	"github.com/autogram-ai/autogram/internal/security"
	"github.com/autogram-ai/autogram/internal/storage"
	"github.com/autogram-ai/autogram/internal/telemetry"
	"github.com/autogram-ai/autogram/internal/upstream"
	"github.com/autogram-ai/autogram/internal/worker"
)

// KVChecker reports whether the shared KV store is reachable.
type KVChecker interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Completer dispatches completion requests to the model fleet.
type Completer interface {
	Complete(ctx context.Context, modelID, endpoint string, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error)
	RetryAfter(modelID string) time.Duration
}

// UsageSink receives per-request token deltas asynchronously.
type UsageSink interface {
	Record(worker.UsageDelta)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config    *config.Config
	Store     storage.Store
	KV        KVChecker
	APIKeys   *auth.APIKeyAuth
	JWT       *auth.JWTAuth
	Keys      *auth.KeyManager
	Admission *admission.Controller
	Input     *security.InputFilter
	Output    *security.OutputFilter
	Blocklist *security.Blocklist
	Upstream  Completer
	Health    *upstream.HealthRegistry
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer // backs /metrics; nil disables the endpoint
	Usage     UsageSink           // nil = no usage recording
}

// New creates an http.Handler with all routes and middleware wired. The
// middleware order is load-bearing: each stage assumes everything above it
// already ran.
func New(deps Deps) http.Handler {
	s := &server{
		deps:   deps,
		tiers:  deps.Config.TierIndex(),
		models: deps.Config.ModelIndex(),
	}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestMeta)
	r.Use(s.observe)
	r.Use(s.ipGate)
	r.Use(s.inputFilter)

	// System surface, no auth.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/docs", s.handleDocs)
	r.Get("/openapi.json", s.handleOpenAPI)
	if deps.Config.Telemetry.Metrics.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Model API, authenticated and tier-limited. The KV-backed windows
	// gate only API traffic so the system surface stays reachable during
	// a KV outage.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.globalLimit)
		r.Use(s.ipLimit)
		r.Use(s.authenticate)
		r.Use(s.principalLimits)
		r.Use(s.maskOutput)
		r.Get("/models", s.handleListModels)
		r.Post("/completions", s.handleCompletions)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/code/analysis", s.handleCodeAnalysis)
		r.Post("/security/scan", s.handleSecurityScan)
		r.Get("/usage", s.handleUsage)
	})

	// Key lifecycle and OAuth login.
	r.Route("/auth", func(r chi.Router) {
		r.Use(s.globalLimit)
		r.Use(s.ipLimit)
		r.Get("/oauth/{provider}", s.handleOAuthStart)
		r.Get("/oauth/{provider}/callback", s.handleOAuthCallback)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/api-keys", s.handleCreateKey)
			r.Get("/api-keys", s.handleListKeys)
			r.Delete("/api-keys/{id}", s.handleRevokeKey)
		})
	})

	return r
}

type server struct {
	deps   Deps
	tiers  map[gateway.TierName]*gateway.Tier
	models map[string]*gateway.Model
}
