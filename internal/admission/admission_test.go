package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
	"github.com/autogram-ai/autogram/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBlocker struct {
	mu      sync.Mutex
	blocked map[string]time.Duration
}

func (b *recordingBlocker) Block(ip string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked == nil {
		b.blocked = make(map[string]time.Duration)
	}
	b.blocked[ip] = d
}

func (b *recordingBlocker) got(ip string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.blocked[ip]
	return d, ok
}

func testTiers() map[gateway.TierName]*gateway.Tier {
	return map[gateway.TierName]*gateway.Tier{
		gateway.TierFree: {
			Name:                gateway.TierFree,
			RequestsPerHour:     5,
			RequestsPerDay:      10,
			ConcurrentRequests:  2,
			MaxTokensPerRequest: 1024,
			MaxContextWindow:    4096,
			AllowedModels:       []string{"qwen3_42b"},
			AllowedEndpoints:    []string{"completions", "chat/completions"},
		},
		gateway.TierEnterprise: {
			Name:                gateway.TierEnterprise,
			RequestsPerHour:     100000,
			ConcurrentRequests:  50,
			MaxTokensPerRequest: 32768,
			MaxContextWindow:    131072,
			AllowedModels:       []string{"*"},
			AllowedEndpoints:    []string{"*"},
		},
	}
}

func testModels() map[string]*gateway.Model {
	return map[string]*gateway.Model{
		"qwen3_42b":   {ID: "qwen3_42b", ContextWindow: 32768, MaxOutputTokens: 8192},
		"qwen3_coder": {ID: "qwen3_coder", ContextWindow: 65536, MaxOutputTokens: 16384},
	}
}

func newTestController(t *testing.T, limits config.RateLimitConfig, blocker Blocker) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedis(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })
	return NewController(store, limits, testTiers(), testModels(), blocker, discardLogger())
}

func TestGlobalWindow(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{GlobalRPS: 3, GlobalBurst: 1}, nil)
	ctx := context.Background()

	for i := range 4 {
		res, err := c.Global(ctx)
		if err != nil {
			t.Fatalf("request %d: %v (result %+v)", i+1, err, res)
		}
	}
	res, err := c.Global(ctx)
	if !errors.Is(err, gateway.ErrRateLimitedGlobal) {
		t.Fatalf("request 5: err = %v, want ErrRateLimitedGlobal", err)
	}
	if res.Limit != 4 || res.Remaining != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestPerIPWindowAndBlacklist(t *testing.T) {
	t.Parallel()
	blocker := &recordingBlocker{}
	c := newTestController(t, config.RateLimitConfig{
		PerIPPerMinute:     3,
		BlacklistThreshold: 5,
		BlockDuration:      24 * time.Hour,
	}, blocker)
	ctx := context.Background()

	for i := range 3 {
		if _, err := c.PerIP(ctx, "203.0.113.9"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if _, err := c.PerIP(ctx, "203.0.113.9"); !errors.Is(err, gateway.ErrRateLimitedIP) {
		t.Fatalf("request 4: err = %v, want ErrRateLimitedIP", err)
	}
	if _, ok := blocker.got("203.0.113.9"); ok {
		t.Fatal("ip blocked before reaching the blacklist threshold")
	}
	if _, err := c.PerIP(ctx, "203.0.113.9"); !errors.Is(err, gateway.ErrRateLimitedIP) {
		t.Fatal("request 5 admitted")
	}
	if d, ok := blocker.got("203.0.113.9"); !ok || d != 24*time.Hour {
		t.Errorf("block = (%v, %v), want 24h block", d, ok)
	}

	// A different IP has its own window.
	if _, err := c.PerIP(ctx, "198.51.100.7"); err != nil {
		t.Errorf("other ip: %v", err)
	}
}

func TestPerPrincipalHourlyWindow(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{}, nil)
	ctx := context.Background()
	p := &gateway.Principal{ID: "user-1", Tier: gateway.TierFree}

	for i := range 5 {
		res, err := c.PerPrincipal(ctx, p)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if want := int64(5 - i - 1); res.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}
	res, err := c.PerPrincipal(ctx, p)
	if !errors.Is(err, gateway.ErrRateLimitedPrincipal) {
		t.Fatalf("request 6: err = %v, want ErrRateLimitedPrincipal", err)
	}
	if res.Remaining != 0 || res.Limit != 5 {
		t.Errorf("result = %+v", res)
	}

	// Another principal in the same tier is unaffected.
	if _, err := c.PerPrincipal(ctx, &gateway.Principal{ID: "user-2", Tier: gateway.TierFree}); err != nil {
		t.Errorf("other principal: %v", err)
	}
}

func TestPerPrincipalUnknownTierFailsClosed(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{}, nil)

	_, err := c.PerPrincipal(context.Background(), &gateway.Principal{ID: "user-1", Tier: "platinum"})
	if !errors.Is(err, gateway.ErrUnknownTier) {
		t.Errorf("err = %v, want ErrUnknownTier", err)
	}
}

func TestAdmissionFailsClosedWhenStoreDown(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	store := kv.NewRedis(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })
	c := NewController(store, config.RateLimitConfig{GlobalRPS: 100, PerIPPerMinute: 100},
		testTiers(), testModels(), nil, discardLogger())
	mr.Close()

	ctx := context.Background()
	if _, err := c.Global(ctx); !errors.Is(err, gateway.ErrAdmissionUnavailable) {
		t.Errorf("Global err = %v, want ErrAdmissionUnavailable", err)
	}
	if _, err := c.PerIP(ctx, "203.0.113.9"); !errors.Is(err, gateway.ErrAdmissionUnavailable) {
		t.Errorf("PerIP err = %v, want ErrAdmissionUnavailable", err)
	}
	if _, err := c.PerPrincipal(ctx, &gateway.Principal{ID: "u", Tier: gateway.TierFree}); !errors.Is(err, gateway.ErrAdmissionUnavailable) {
		t.Errorf("PerPrincipal err = %v, want ErrAdmissionUnavailable", err)
	}
}

func TestConcurrencySemaphore(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{}, nil)
	p := &gateway.Principal{ID: "user-1", Tier: gateway.TierFree} // cap 2

	ctx := context.Background()
	if err := c.Acquire(ctx, p); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := c.Acquire(ctx, p); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	// The third slot is only available until the request deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.Acquire(shortCtx, p); !errors.Is(err, gateway.ErrConcurrencyExceeded) {
		t.Fatalf("third Acquire err = %v, want ErrConcurrencyExceeded", err)
	}

	c.Release(p)
	if err := c.Acquire(ctx, p); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	c.Release(p)
	c.Release(p)
}

func TestEvictStaleSemaphores(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{}, nil)
	base := time.Now()
	c.now = func() time.Time { return base }

	ctx := context.Background()
	stale := &gateway.Principal{ID: "stale-user", Tier: gateway.TierFree}
	held := &gateway.Principal{ID: "held-user", Tier: gateway.TierFree}
	fresh := &gateway.Principal{ID: "fresh-user", Tier: gateway.TierFree}

	if err := c.Acquire(ctx, stale); err != nil {
		t.Fatalf("Acquire stale: %v", err)
	}
	c.Release(stale)
	if err := c.Acquire(ctx, held); err != nil {
		t.Fatalf("Acquire held: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := c.Acquire(ctx, fresh); err != nil {
		t.Fatalf("Acquire fresh: %v", err)
	}
	c.Release(fresh)

	// Idle entries past the cutoff go; a held slot pins its entry even
	// when stale.
	if n := c.EvictStale(base.Add(time.Hour)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	c.mu.Lock()
	_, staleKept := c.sems["stale-user"]
	_, heldKept := c.sems["held-user"]
	_, freshKept := c.sems["fresh-user"]
	c.mu.Unlock()
	if staleKept {
		t.Error("idle semaphore survived eviction")
	}
	if !heldKept {
		t.Error("in-use semaphore evicted")
	}
	if !freshKept {
		t.Error("recently used semaphore evicted")
	}
	c.Release(held)
}

func TestCheckBudget(t *testing.T) {
	t.Parallel()
	c := newTestController(t, config.RateLimitConfig{}, nil)
	free := &gateway.Principal{ID: "u1", Tier: gateway.TierFree}
	enterprise := &gateway.Principal{ID: "u2", Tier: gateway.TierEnterprise}

	tests := []struct {
		name     string
		p        *gateway.Principal
		model    string
		endpoint string
		req      gateway.CompletionRequest
		wantErr  error
	}{
		{
			name: "within budget", p: free, model: "qwen3_42b", endpoint: "completions",
			req: gateway.CompletionRequest{Prompt: "hi", MaxTokens: 64},
		},
		{
			name: "max_tokens over tier cap", p: free, model: "qwen3_42b", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: "hi", MaxTokens: 99999},
			wantErr: gateway.ErrTierTokenLimit,
		},
		{
			name: "max_tokens over model cap", p: enterprise, model: "qwen3_42b", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: "hi", MaxTokens: 9000},
			wantErr: gateway.ErrTierTokenLimit,
		},
		{
			name: "input plus max_tokens over context window", p: free, model: "qwen3_42b", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: string(make([]byte, 15000)), MaxTokens: 1000},
			wantErr: gateway.ErrTierTokenLimit,
		},
		{
			name: "model not in tier", p: free, model: "qwen3_coder", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: "hi", MaxTokens: 64},
			wantErr: gateway.ErrForbiddenModel,
		},
		{
			name: "endpoint not in tier", p: free, model: "qwen3_42b", endpoint: "code/analysis",
			req:     gateway.CompletionRequest{Prompt: "hi", MaxTokens: 64},
			wantErr: gateway.ErrForbiddenEndpoint,
		},
		{
			name: "wildcard tier allows any model", p: enterprise, model: "qwen3_coder", endpoint: "code/analysis",
			req: gateway.CompletionRequest{Prompt: "hi", MaxTokens: 2048},
		},
		{
			name: "unknown model", p: enterprise, model: "qwen9_test", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: "hi"},
			wantErr: gateway.ErrNotFound,
		},
		{
			name: "unknown tier fails closed", p: &gateway.Principal{ID: "u3", Tier: "platinum"},
			model: "qwen3_42b", endpoint: "completions",
			req:     gateway.CompletionRequest{Prompt: "hi"},
			wantErr: gateway.ErrUnknownTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := c.CheckBudget(tt.p, tt.model, tt.endpoint, &tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckBudget err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
