// Package circuitbreaker implements a per-model circuit breaker driven by
// consecutive upstream failures. It short-circuits requests to known-bad
// models, reducing failover latency from seconds (timeout + network) to
// nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	OpenTimeout      time.Duration // time in OPEN before the next attempt probes
}

// DefaultConfig returns the gateway defaults: trip after 5 consecutive
// failures, probe again after 60 seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker is a per-model circuit breaker state machine.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int       // consecutive failures while closed
	lastFailure time.Time // start of the OPEN cooldown
	lastUsed    time.Time // for stale eviction
	probing     bool      // true when a half-open probe is in flight
	threshold   int
	openTimeout time.Duration
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	return &Breaker{
		state:       StateClosed,
		threshold:   cfg.FailureThreshold,
		openTimeout: cfg.OpenTimeout,
		lastUsed:    time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a request should be allowed through.
// In OPEN, the first call after the cooldown transitions to HALF_OPEN and is
// admitted as the probe; exactly one probe is in flight at a time.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.lastFailure) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome. A successful probe
// closes the breaker; in CLOSED it resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordFailure records a failed request outcome. Only failures the upstream
// caused count; callers filter out 4xx via Classify before calling.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// Probe failed: reopen and restart the cooldown.
		b.state = StateOpen
		b.probing = false
		b.failures = b.threshold
	}
}

// RetryAfter returns how long until the breaker admits a probe, or zero when
// requests are already allowed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	wait := b.openTimeout - time.Since(b.lastFailure)
	if wait < 0 {
		return 0
	}
	return wait
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
