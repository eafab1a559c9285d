package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/circuitbreaker"
)

// requestTimeout is the hard ceiling on one upstream call. A tighter caller
// deadline wins; a looser one is clamped.
const requestTimeout = 120 * time.Second

// Client dispatches completion requests to the configured model fleet and
// maintains per-model health and breaker state.
type Client struct {
	models   map[string]*gateway.Model
	http     *http.Client
	health   *HealthRegistry
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewClient builds the fleet client. A nil transport falls back to
// http.DefaultTransport.
func NewClient(models map[string]*gateway.Model, transport http.RoundTripper, health *HealthRegistry, breakers *circuitbreaker.Registry, logger *slog.Logger) *Client {
	return &Client{
		models:   models,
		http:     &http.Client{Transport: transport},
		health:   health,
		breakers: breakers,
		logger:   logger,
	}
}

// Health returns the client's health registry.
func (c *Client) Health() *HealthRegistry { return c.health }

// Breakers returns the client's breaker registry.
func (c *Client) Breakers() *circuitbreaker.Registry { return c.breakers }

// RetryAfter returns the remaining breaker cooldown for a model, or zero.
func (c *Client) RetryAfter(modelID string) time.Duration {
	if b := c.breakers.Get(modelID); b != nil {
		return b.RetryAfter()
	}
	return 0
}

// Complete forwards a completion request to the named model's endpoint and
// returns the normalized response envelope.
//
// The call is refused without dialing when the model is unhealthy or its
// breaker is open. Transport failures, timeouts, and 5xx responses count
// toward the breaker; 4xx responses are surfaced to the caller unchanged
// and do not.
func (c *Client) Complete(ctx context.Context, modelID, endpoint string, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	m, ok := c.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", gateway.ErrNotFound, modelID)
	}

	if !c.health.Healthy(modelID) {
		return nil, fmt.Errorf("%w: model %s failed its last health check", gateway.ErrUpstreamUnavailable, modelID)
	}

	br := c.breakers.GetOrCreate(modelID)
	if !br.Allow() {
		return nil, fmt.Errorf("%w: circuit open for model %s", gateway.ErrUpstreamUnavailable, modelID)
	}

	start := time.Now()
	resp, err := c.dispatch(ctx, m, endpoint, req)
	latency := time.Since(start)

	if meta := gateway.MetaFromContext(ctx); meta != nil {
		meta.UpstreamLatency = latency
	}

	if circuitbreaker.IsFailure(err) {
		br.RecordFailure()
		c.health.ReportFailure(modelID, err)
	} else if err == nil {
		br.RecordSuccess()
		c.health.ReportSuccess(modelID, latency)
	} else {
		// Caller-caused 4xx. The model answered, so the probe state stands.
		br.RecordSuccess()
	}

	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream call failed",
			slog.String("model", modelID),
			slog.String("endpoint", endpoint),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()))
		return nil, err
	}
	return resp, nil
}

func (c *Client) dispatch(ctx context.Context, m *gateway.Model, endpoint string, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", gateway.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/v1/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", gateway.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq, m)
	propagate(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: model %s", gateway.ErrUpstreamTimeout, m.ID)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(m.ID, resp)
	}

	var out gateway.CompletionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, &APIError{Model: m.ID, StatusCode: http.StatusBadGateway,
			Body: fmt.Sprintf("malformed response body: %v", err)}
	}
	// A 200 with no choices violates the completion contract and counts as
	// a model fault, same as a 5xx.
	if len(out.Choices) == 0 {
		return nil, &APIError{Model: m.ID, StatusCode: http.StatusBadGateway,
			Body: "response contained no choices"}
	}
	if out.Model == "" {
		out.Model = m.ID
	}
	return &out, nil
}

// setAuth injects the model's credential using its configured auth style.
func setAuth(req *http.Request, m *gateway.Model) {
	if m.AuthSecret == "" {
		return
	}
	switch m.AuthStyle {
	case gateway.AuthStyleBearer:
		req.Header.Set("Authorization", "Bearer "+m.AuthSecret)
	case gateway.AuthStyleCustom:
		req.Header.Set(m.AuthHeader, m.AuthSecret)
	default:
		req.Header.Set("X-API-Key", m.AuthSecret)
	}
}

// propagate forwards request identity to the upstream for correlation.
func propagate(ctx context.Context, req *http.Request) {
	meta := gateway.MetaFromContext(ctx)
	if meta == nil {
		return
	}
	if meta.RequestID != "" {
		req.Header.Set("X-Request-ID", meta.RequestID)
	}
	if meta.Principal != nil {
		req.Header.Set("X-Principal-ID", meta.Principal.ID)
		req.Header.Set("X-Principal-Tier", string(meta.Principal.Tier))
	}
}
