// Package admission implements tier-indexed admission control: the global,
// per-IP, and per-principal rate windows, the per-principal concurrency
// semaphore, and the token budget pre-check.
//
// Windowed counters live in the shared KV store so they are authoritative
// across replicas. Any store error denies the request with a retryable
// ErrAdmissionUnavailable; admission never fails open.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
	"github.com/autogram-ai/autogram/internal/kv"
	"github.com/autogram-ai/autogram/internal/tokencount"
)

const keyPrefix = "ratelimit"

// Blocker receives IPs that crossed the blacklist threshold. Implemented by
// the security block set.
type Blocker interface {
	Block(ip string, d time.Duration)
}

// Result carries the window state of a rate decision for response headers.
// Reset is the instant the window reopens.
type Result struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter returns the wait until the window reopens, floored at zero.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.Reset.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Controller performs all admission checks for the pipeline.
type Controller struct {
	store   kv.Store
	limits  config.RateLimitConfig
	tiers   map[gateway.TierName]*gateway.Tier
	models  map[string]*gateway.Model
	counter *tokencount.Counter
	blocker Blocker
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	sems map[string]*principalSem // principalID -> in-flight semaphore
}

// principalSem pairs a principal's concurrency semaphore with its last-use
// stamp so idle entries can be evicted.
type principalSem struct {
	sem      *semaphore.Weighted
	capacity int64
	lastUsed time.Time
}

// NewController builds an admission controller. blocker may be nil when no
// block set is wired (tests).
func NewController(store kv.Store, limits config.RateLimitConfig, tiers map[gateway.TierName]*gateway.Tier, models map[string]*gateway.Model, blocker Blocker, logger *slog.Logger) *Controller {
	return &Controller{
		store:   store,
		limits:  limits,
		tiers:   tiers,
		models:  models,
		counter: tokencount.NewCounter(),
		blocker: blocker,
		logger:  logger,
		now:     time.Now,
		sems:    make(map[string]*principalSem),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", gateway.ErrAdmissionUnavailable, op, err)
}

// Global enforces the gateway-wide requests-per-second window. The burst
// allowance rides on top of the steady rate.
func (c *Controller) Global(ctx context.Context) (Result, error) {
	limit := c.limits.GlobalRPS + c.limits.GlobalBurst
	now := c.now()
	res := Result{Limit: limit, Reset: now.Add(time.Second)}
	if limit <= 0 {
		res.Remaining = -1
		return res, nil
	}

	key := keyPrefix + ":global:all:1s"
	windowStart := float64(now.Add(-time.Second).UnixNano())

	if err := c.store.WindowAdd(ctx, key, float64(now.UnixNano()), uuid.NewString()); err != nil {
		return res, unavailable("global window add", err)
	}
	if err := c.store.WindowTrim(ctx, key, windowStart); err != nil {
		return res, unavailable("global window trim", err)
	}
	n, err := c.store.WindowCount(ctx, key, windowStart)
	if err != nil {
		return res, unavailable("global window count", err)
	}
	if err := c.store.Expire(ctx, key, 2*time.Second); err != nil {
		return res, unavailable("global window expire", err)
	}

	res.Remaining = max(limit-n, 0)
	if n > limit {
		return res, gateway.ErrRateLimitedGlobal
	}
	return res, nil
}

// PerIP enforces the fixed per-minute window for one client IP. Crossing
// the blacklist threshold additionally feeds the IP to the block set.
func (c *Controller) PerIP(ctx context.Context, ip string) (Result, error) {
	limit := c.limits.PerIPPerMinute
	now := c.now()
	bucket := now.Unix() / 60
	res := Result{Limit: limit, Reset: time.Unix((bucket+1)*60, 0)}
	if limit <= 0 {
		res.Remaining = -1
		return res, nil
	}

	key := fmt.Sprintf("%s:ip:%s:%d", keyPrefix, ip, bucket)
	n, err := c.store.Incr(ctx, key, 2*time.Minute)
	if err != nil {
		return res, unavailable("ip window incr", err)
	}
	res.Remaining = max(limit-n, 0)

	if c.limits.BlacklistThreshold > 0 && n >= c.limits.BlacklistThreshold && c.blocker != nil {
		c.blocker.Block(ip, c.limits.BlockDuration)
		c.logger.LogAttrs(ctx, slog.LevelWarn, "ip crossed blacklist threshold",
			slog.String("ip", ip),
			slog.Int64("count", n))
	}
	if n > limit {
		return res, gateway.ErrRateLimitedIP
	}
	return res, nil
}

// PerPrincipal enforces the tier's hourly sliding window and daily fixed
// window for one principal. An unresolvable tier fails closed.
func (c *Controller) PerPrincipal(ctx context.Context, p *gateway.Principal) (Result, error) {
	tier, ok := c.tiers[p.Tier]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", gateway.ErrUnknownTier, p.Tier)
	}

	now := c.now()
	res := Result{Limit: tier.RequestsPerHour, Reset: now.Add(time.Hour)}
	if tier.RequestsPerHour > 0 {
		key := fmt.Sprintf("%s:principal:%s:1h", keyPrefix, p.ID)
		windowStart := float64(now.Add(-time.Hour).Unix())

		if err := c.store.WindowAdd(ctx, key, float64(now.Unix()), uuid.NewString()); err != nil {
			return res, unavailable("principal window add", err)
		}
		if err := c.store.WindowTrim(ctx, key, windowStart); err != nil {
			return res, unavailable("principal window trim", err)
		}
		n, err := c.store.WindowCount(ctx, key, windowStart)
		if err != nil {
			return res, unavailable("principal window count", err)
		}
		if err := c.store.Expire(ctx, key, time.Hour+time.Minute); err != nil {
			return res, unavailable("principal window expire", err)
		}
		res.Remaining = max(tier.RequestsPerHour-n, 0)
		if n > tier.RequestsPerHour {
			return res, gateway.ErrRateLimitedPrincipal
		}
	}

	if tier.RequestsPerDay > 0 {
		day := now.UTC().Format("20060102")
		key := fmt.Sprintf("%s:principal:%s:%s", keyPrefix, p.ID, day)
		n, err := c.store.Incr(ctx, key, 25*time.Hour)
		if err != nil {
			return res, unavailable("principal day incr", err)
		}
		if n > tier.RequestsPerDay {
			res.Remaining = 0
			res.Reset = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			return res, gateway.ErrRateLimitedPrincipal
		}
	}
	return res, nil
}

// sem returns the principal's in-flight semaphore, creating it at the
// tier's capacity on first use and stamping last use.
func (c *Controller) sem(principalID string, capacity int64) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.sems[principalID]
	if !ok {
		ps = &principalSem{sem: semaphore.NewWeighted(capacity), capacity: capacity}
		c.sems[principalID] = ps
	}
	ps.lastUsed = c.now()
	return ps.sem
}

// EvictStale drops semaphores not used since cutoff so the map stays
// bounded. An entry with slots still held is skipped even when stale; it
// gets the next sweep.
func (c *Controller) EvictStale(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, ps := range c.sems {
		if !ps.lastUsed.Before(cutoff) {
			continue
		}
		if !ps.sem.TryAcquire(ps.capacity) {
			continue
		}
		delete(c.sems, id)
		evicted++
	}
	return evicted
}

// Acquire takes one slot of the principal's concurrency semaphore, blocking
// no longer than the request deadline. The caller must Release on every
// exit path.
func (c *Controller) Acquire(ctx context.Context, p *gateway.Principal) error {
	tier, ok := c.tiers[p.Tier]
	if !ok {
		return fmt.Errorf("%w: %q", gateway.ErrUnknownTier, p.Tier)
	}
	if tier.ConcurrentRequests <= 0 {
		return nil
	}
	if err := c.sem(p.ID, tier.ConcurrentRequests).Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: tier %s allows %d in-flight requests",
			gateway.ErrConcurrencyExceeded, tier.Name, tier.ConcurrentRequests)
	}
	return nil
}

// Release returns one slot taken by Acquire. Safe to call only after a
// successful Acquire.
func (c *Controller) Release(p *gateway.Principal) {
	tier, ok := c.tiers[p.Tier]
	if !ok || tier.ConcurrentRequests <= 0 {
		return
	}
	c.sem(p.ID, tier.ConcurrentRequests).Release(1)
}

// CheckBudget validates a completion request against the tier and model
// caps before any upstream dispatch:
//
//	max_tokens <= tier.max_tokens_per_request and <= model.max_output_tokens
//	estimated input + max_tokens <= min(tier.max_context_window, model.context_window)
//	model and endpoint in the tier's allowed sets
//
// The input estimate is the cheap len/4 heuristic; billing later uses the
// upstream-reported usage.
func (c *Controller) CheckBudget(p *gateway.Principal, modelID, endpoint string, req *gateway.CompletionRequest) error {
	tier, ok := c.tiers[p.Tier]
	if !ok {
		return fmt.Errorf("%w: %q", gateway.ErrUnknownTier, p.Tier)
	}
	if !tier.AllowsEndpoint(endpoint) {
		return fmt.Errorf("%w: %s for tier %s", gateway.ErrForbiddenEndpoint, endpoint, tier.Name)
	}
	if !tier.AllowsModel(modelID) {
		return fmt.Errorf("%w: %s for tier %s", gateway.ErrForbiddenModel, modelID, tier.Name)
	}
	model, ok := c.models[modelID]
	if !ok {
		return fmt.Errorf("%w: unknown model %q", gateway.ErrNotFound, modelID)
	}

	maxTokens := req.MaxTokens
	if maxTokens > 0 {
		if tier.MaxTokensPerRequest > 0 && maxTokens > tier.MaxTokensPerRequest {
			return fmt.Errorf("%w: max_tokens %d exceeds tier cap %d",
				gateway.ErrTierTokenLimit, maxTokens, tier.MaxTokensPerRequest)
		}
		if model.MaxOutputTokens > 0 && maxTokens > model.MaxOutputTokens {
			return fmt.Errorf("%w: max_tokens %d exceeds model cap %d",
				gateway.ErrTierTokenLimit, maxTokens, model.MaxOutputTokens)
		}
	}

	window := model.ContextWindow
	if tier.MaxContextWindow > 0 && (window == 0 || tier.MaxContextWindow < window) {
		window = tier.MaxContextWindow
	}
	if window > 0 {
		if est := c.counter.EstimateRequest(req); est+maxTokens > window {
			return fmt.Errorf("%w: estimated %d input tokens + %d max_tokens exceeds context window %d",
				gateway.ErrTierTokenLimit, est, maxTokens, window)
		}
	}
	return nil
}
