// Package gateway defines domain types and interfaces for the Autogram AI gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// --- Tiers ---

// TierName identifies an admission and pricing class.
type TierName string

const (
	TierFree         TierName = "free"
	TierProfessional TierName = "professional"
	TierEnterprise   TierName = "enterprise"
	TierInternal     TierName = "internal"
)

// ParseTier validates a tier name. Unknown tiers fail closed.
func ParseTier(s string) (TierName, error) {
	switch TierName(s) {
	case TierFree, TierProfessional, TierEnterprise, TierInternal:
		return TierName(s), nil
	}
	return "", ErrUnknownTier
}

// Pricing is a tier's pricing triple.
type Pricing struct {
	MonthlyUSD     float64 `yaml:"monthly_usd" json:"monthly_usd"`
	PerInputToken  float64 `yaml:"per_input_token" json:"per_input_token"`
	PerOutputToken float64 `yaml:"per_output_token" json:"per_output_token"`
}

// Tier is the static admission configuration for a tier name.
// Tier records are loaded at startup and immutable afterwards.
type Tier struct {
	Name                TierName `yaml:"name" json:"name"`
	RequestsPerHour     int64    `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay      int64    `yaml:"requests_per_day" json:"requests_per_day"`
	ConcurrentRequests  int64    `yaml:"concurrent_requests" json:"concurrent_requests"`
	MaxTokensPerRequest int      `yaml:"max_tokens_per_request" json:"max_tokens_per_request"`
	MaxContextWindow    int      `yaml:"max_context_window" json:"max_context_window"`
	AllowedModels       []string `yaml:"allowed_models" json:"allowed_models"`       // may contain "*"
	AllowedEndpoints    []string `yaml:"allowed_endpoints" json:"allowed_endpoints"` // may contain "*"
	Priority            int      `yaml:"priority" json:"priority"`
	Pricing             Pricing  `yaml:"pricing" json:"pricing"`
}

// AllowsModel reports whether the tier may call the given model.
func (t *Tier) AllowsModel(modelID string) bool {
	return allows(t.AllowedModels, modelID)
}

// AllowsEndpoint reports whether the tier may call the given endpoint pattern.
func (t *Tier) AllowsEndpoint(endpoint string) bool {
	return allows(t.AllowedEndpoints, endpoint)
}

func allows(set []string, v string) bool {
	for _, s := range set {
		if s == "*" || s == v {
			return true
		}
	}
	return false
}

// --- Principal ---

// PermWildcard grants every permission.
const PermWildcard = "*"

// Principal is the resolved caller identity for one request.
// Created by the authenticator, attached to the request context, never persisted.
type Principal struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Tier        TierName `json:"tier"`
	APIKeyID    string   `json:"api_key_id,omitempty"`
	Permissions []string `json:"-"`
}

// Can reports whether the principal holds the given permission token.
func (p *Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == PermWildcard || have == perm {
			return true
		}
	}
	return false
}

// --- API keys and users ---

// KeySecretPrefix is the prefix of every Autogram API key secret.
const KeySecretPrefix = "autogram_sk_"

// UsageTally is a monotonic per-key usage counter.
type UsageTally struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// APIKey represents an API key record. The cleartext secret exists only in the
// create-key response; only the argon2id hash and a SHA-256 lookup digest are stored.
type APIKey struct {
	ID           string     `json:"id"`
	PrincipalID  string     `json:"principal_id"`
	Name         string     `json:"name"`
	SecretHash   string     `json:"-"` // argon2id encoded, never exposed or logged
	SecretDigest string     `json:"-"` // SHA-256 hex of cleartext, lookup index only
	KeySuffix    string     `json:"-"` // last 4 chars of cleartext, for display masks
	Tier         TierName   `json:"tier"`
	Permissions  []string   `json:"permissions,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	Usage        UsageTally `json:"usage"`
	Active       bool       `json:"active"`
}

// Masked returns the display form of the key secret, e.g. "autogram_sk_...abcd".
// Listings never carry more of the secret than this.
func (k *APIKey) Masked() string {
	return KeySecretPrefix + "..." + k.KeySuffix
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// User is an account record owned by the identity store.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

// DigestSecret returns the hex-encoded SHA-256 digest of a raw key secret.
// The digest indexes storage and caches; the argon2id hash remains the verifier.
func DigestSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Models ---

// AuthStyle selects how the gateway authenticates to an upstream model.
type AuthStyle string

const (
	AuthStyleAPIKey AuthStyle = "api-key" // X-API-Key header
	AuthStyleBearer AuthStyle = "bearer"  // Authorization: Bearer
	AuthStyleCustom AuthStyle = "custom"  // configured header name
)

// ModelPricing is the per-token pricing pair for a model.
type ModelPricing struct {
	InputPerToken  float64 `yaml:"input_per_token" json:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token" json:"output_per_token"`
}

// Model is the static configuration of one upstream model.
// At most one record exists per ID; records are immutable after load.
type Model struct {
	ID              string       `yaml:"id" json:"id"`
	DisplayName     string       `yaml:"display_name" json:"display_name"`
	BaseURL         string       `yaml:"base_url" json:"base_url"`
	HealthPath      string       `yaml:"health_path" json:"health_path"`
	Capabilities    []string     `yaml:"capabilities" json:"capabilities"`
	ContextWindow   int          `yaml:"context_window" json:"context_window"`
	MaxOutputTokens int          `yaml:"max_output_tokens" json:"max_output_tokens"`
	Pricing         ModelPricing `yaml:"pricing" json:"pricing"`
	AuthStyle       AuthStyle    `yaml:"auth_style" json:"-"`
	AuthHeader      string       `yaml:"auth_header" json:"-"` // for AuthStyleCustom
	AuthSecret      string       `yaml:"auth_secret" json:"-"`
	MinReplicas     int          `yaml:"min_replicas" json:"-"` // advisory scaling hint
	MaxReplicas     int          `yaml:"max_replicas" json:"-"` // advisory scaling hint
}

// Cost returns the USD cost of the given token counts at this model's pricing.
func (m *Model) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.Pricing.InputPerToken + float64(outputTokens)*m.Pricing.OutputPerToken
}

// --- Completion wire contract ---

// ChatMessage is one entry of a chat completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body the gateway accepts and forwards for both
// text and chat completions. Exactly one of Prompt or Messages is set.
type CompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	N           int           `json:"n,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// InputText returns the concatenated caller-supplied text, used for token estimation.
func (r *CompletionRequest) InputText() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	var b strings.Builder
	for _, m := range r.Messages {
		b.WriteString(m.Role)
		b.WriteByte('\n')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// Choice is a single completion choice in the normalized envelope.
type Choice struct {
	Index        int          `json:"index"`
	Text         string       `json:"text,omitempty"`
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

// TokenUsage is the upstream-reported token usage. It is the authoritative
// figure for billing; the pre-admission estimate is only a heuristic.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the normalized envelope returned by every model call.
type CompletionResponse struct {
	ID      string     `json:"id"`
	Object  string     `json:"object"` // "text_completion" or "chat.completion"
	Created int64      `json:"created"`
	Model   string     `json:"model"`
	Choices []Choice   `json:"choices"`
	Usage   TokenUsage `json:"usage"`
}

// FirstText returns the text of the first choice, whichever form it carries.
func (r *CompletionResponse) FirstText() string {
	if len(r.Choices) == 0 {
		return ""
	}
	c := r.Choices[0]
	if c.Message != nil {
		return c.Message.Content
	}
	return c.Text
}

// --- Request context ---

type contextKey int

const ctxKeyMeta contextKey = 0

// RequestMeta is the request-scoped envelope threaded through the pipeline.
// It is allocated once per request; later stages fill fields by mutation of
// the same pointer, avoiding repeated context.WithValue allocations.
type RequestMeta struct {
	RequestID       string
	ClientIP        string
	Start           time.Time
	Principal       *Principal
	Usage           TokenUsage
	CostUSD         float64
	UpstreamLatency time.Duration
	ErrorKind       string
}

// MetaFromContext returns the RequestMeta stored in ctx, or nil.
func MetaFromContext(ctx context.Context) *RequestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*RequestMeta)
	return m
}

// ContextWithMeta returns a context carrying the given request metadata.
func ContextWithMeta(ctx context.Context, m *RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, m)
}

// PrincipalFromContext extracts the authenticated principal from ctx, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := MetaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing RequestMeta when
// present, avoiding a new allocation. Falls back to fresh metadata (for tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := MetaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return ContextWithMeta(ctx, &RequestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := MetaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}
