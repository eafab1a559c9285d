package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/circuitbreaker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testModel(id, baseURL string) gateway.Model {
	return gateway.Model{
		ID:         id,
		BaseURL:    baseURL,
		HealthPath: "/health",
		AuthStyle:  gateway.AuthStyleBearer,
		AuthSecret: "upstream-secret",
	}
}

// newTestClient wires a client around one model with its health already
// marked good, as the prober would after a successful check.
func newTestClient(t *testing.T, m gateway.Model) *Client {
	t.Helper()
	health := NewHealthRegistry([]gateway.Model{m})
	health.ReportSuccess(m.ID, time.Millisecond)
	models := map[string]*gateway.Model{m.ID: &m}
	return NewClient(models, nil, health, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), discardLogger())
}

func completionBody(text string) gateway.CompletionResponse {
	return gateway.CompletionResponse{
		ID:      "cmpl-1",
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Choices: []gateway.Choice{{Text: text, FinishReason: "stop"}},
		Usage:   gateway.TokenUsage{PromptTokens: 4, CompletionTokens: 8, TotalTokens: 12},
	}
}

func TestCompleteSuccess(t *testing.T) {
	t.Parallel()

	var gotAuth, gotReqID, gotTier string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("path = %q, want /v1/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		gotTier = r.Header.Get("X-Principal-Tier")
		json.NewEncoder(w).Encode(completionBody("hello"))
	}))
	defer srv.Close()

	c := newTestClient(t, testModel("qwen3_42b", srv.URL))

	meta := &gateway.RequestMeta{
		RequestID: "req-123",
		Principal: &gateway.Principal{ID: "user-1", Tier: gateway.TierProfessional},
	}
	ctx := gateway.ContextWithMeta(context.Background(), meta)

	resp, err := c.Complete(ctx, "qwen3_42b", "completions", &gateway.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.FirstText(); got != "hello" {
		t.Errorf("FirstText = %q, want hello", got)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("TotalTokens = %d, want 12", resp.Usage.TotalTokens)
	}
	if gotAuth != "Bearer upstream-secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReqID != "req-123" || gotTier != "professional" {
		t.Errorf("propagated headers = (%q, %q)", gotReqID, gotTier)
	}
	if meta.UpstreamLatency <= 0 {
		t.Error("UpstreamLatency not recorded")
	}
}

func TestCompleteUnknownModel(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, testModel("qwen3_42b", "http://127.0.0.1:1"))
	_, err := c.Complete(context.Background(), "nope", "completions", &gateway.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteRefusesUnhealthyModelWithoutDialing(t *testing.T) {
	t.Parallel()

	var dialed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed.Store(true)
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	health := NewHealthRegistry([]gateway.Model{m})
	c := NewClient(map[string]*gateway.Model{m.ID: &m}, nil, health,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), discardLogger())

	_, err := c.Complete(context.Background(), "qwen3_42b", "completions", &gateway.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, gateway.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if dialed.Load() {
		t.Error("unhealthy model was dialed")
	}
}

func TestCompleteOpensBreakerOnRepeated5xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	c := newTestClient(t, m)

	for i := range 5 {
		// Traffic failures also flip health, so re-arm between calls to
		// keep exercising the breaker path.
		c.health.ReportSuccess(m.ID, time.Millisecond)
		_, err := c.Complete(context.Background(), m.ID, "completions", &gateway.CompletionRequest{Prompt: "hi"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: err = %v, want 503 APIError", i+1, err)
		}
	}

	if got := c.breakers.GetOrCreate(m.ID).State(); got != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	c.health.ReportSuccess(m.ID, time.Millisecond)
	_, err := c.Complete(context.Background(), m.ID, "completions", &gateway.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, gateway.ErrUpstreamUnavailable) {
		t.Errorf("open breaker: err = %v, want ErrUpstreamUnavailable", err)
	}
	if c.RetryAfter(m.ID) <= 0 {
		t.Error("RetryAfter = 0 for an open breaker")
	}
}

func TestComplete4xxDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	c := newTestClient(t, m)

	for range 10 {
		_, err := c.Complete(context.Background(), m.ID, "completions", &gateway.CompletionRequest{Prompt: "hi"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.HTTPStatus() != http.StatusBadRequest {
			t.Fatalf("err = %v, want 400 APIError", err)
		}
	}

	if got := c.breakers.GetOrCreate(m.ID).State(); got != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed after 4xx responses", got)
	}
	if !c.health.Healthy(m.ID) {
		t.Error("model marked unhealthy after 4xx responses")
	}
}

func TestCompleteEmptyChoicesIsModelFault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.CompletionResponse{ID: "cmpl-1"})
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	c := newTestClient(t, m)

	_, err := c.Complete(context.Background(), m.ID, "completions", &gateway.CompletionRequest{Prompt: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 APIError", err)
	}
	if !circuitbreaker.IsFailure(err) {
		t.Error("contract violation not counted as a breaker failure")
	}
}

func TestCompleteCallerDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	c := newTestClient(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, m.ID, "completions", &gateway.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, gateway.ErrUpstreamTimeout) {
		t.Errorf("err = %v, want ErrUpstreamTimeout", err)
	}
}

func TestProberMarksHealthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := testModel("qwen3_42b", srv.URL)
	reg := NewHealthRegistry([]gateway.Model{m})
	if reg.Healthy(m.ID) {
		t.Fatal("model healthy before first probe")
	}

	p := NewProber(reg, []gateway.Model{m}, nil, discardLogger())
	p.probeAll(context.Background())

	snap, ok := reg.Snapshot(m.ID)
	if !ok || !snap.Healthy {
		t.Fatalf("snapshot = %+v, want healthy", snap)
	}
	if snap.AvgLatency <= 0 {
		t.Error("probe latency not recorded")
	}
}

func TestProberRejectsWrongStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"200 but degraded body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"degraded"}`))
		}},
		{"200 but not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		}},
		{"503", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"status":"healthy"}`, http.StatusServiceUnavailable)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m := testModel("qwen3_42b", srv.URL)
			reg := NewHealthRegistry([]gateway.Model{m})
			p := NewProber(reg, []gateway.Model{m}, nil, discardLogger())
			p.probeAll(context.Background())

			if reg.Healthy(m.ID) {
				t.Error("model marked healthy")
			}
		})
	}
}

func TestHealthRegistryLatencySmoothing(t *testing.T) {
	t.Parallel()

	m := testModel("qwen3_42b", "http://unused")
	reg := NewHealthRegistry([]gateway.Model{m})
	reg.ReportSuccess(m.ID, 100*time.Millisecond)
	reg.ReportSuccess(m.ID, 200*time.Millisecond)

	snap, _ := reg.Snapshot(m.ID)
	if snap.AvgLatency != 150*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 150ms", snap.AvgLatency)
	}
}

func TestHealthRegistryConcurrentReports(t *testing.T) {
	t.Parallel()

	m := testModel("qwen3_42b", "http://unused")
	reg := NewHealthRegistry([]gateway.Model{m})
	reg.ReportSuccess(m.ID, 20*time.Millisecond)

	// Request goroutines and the prober race on the same record. An
	// observation must never be lost: LastHealthy survives every
	// interleaving once a success has been seen.
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			if fail {
				reg.ReportFailure(m.ID, errors.New("connection reset"))
			} else {
				reg.ReportSuccess(m.ID, 20*time.Millisecond)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	snap, ok := reg.Snapshot(m.ID)
	if !ok {
		t.Fatal("model missing from registry")
	}
	if snap.LastHealthy.IsZero() {
		t.Error("LastHealthy lost under concurrent reports")
	}
	if snap.LastChecked.IsZero() {
		t.Error("LastChecked not set")
	}
	if snap.AvgLatency != 20*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 20ms", snap.AvgLatency)
	}
}
