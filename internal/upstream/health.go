package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 10 * time.Second
)

// HealthSnapshot is an immutable point-in-time view of one model's health.
type HealthSnapshot struct {
	ModelID     string        `json:"model_id"`
	Healthy     bool          `json:"healthy"`
	LastChecked time.Time     `json:"last_checked"`
	LastHealthy time.Time     `json:"last_healthy,omitempty"`
	AvgLatency  time.Duration `json:"-"`
	LastError   string        `json:"last_error,omitempty"`
}

// AvgLatencyMS exposes the smoothed probe latency in milliseconds for
// JSON status reporting.
func (s HealthSnapshot) AvgLatencyMS() float64 {
	return float64(s.AvgLatency) / float64(time.Millisecond)
}

type healthRecord struct {
	snap atomic.Pointer[HealthSnapshot]
}

// HealthRegistry tracks the probed health of every configured model.
// Models start unhealthy until the first successful probe; readers get
// lock-free snapshots.
type HealthRegistry struct {
	mu      sync.RWMutex
	records map[string]*healthRecord
}

// NewHealthRegistry creates a registry with one unhealthy record per model.
func NewHealthRegistry(models []gateway.Model) *HealthRegistry {
	r := &HealthRegistry{records: make(map[string]*healthRecord, len(models))}
	for _, m := range models {
		rec := &healthRecord{}
		rec.snap.Store(&HealthSnapshot{ModelID: m.ID})
		r.records[m.ID] = rec
	}
	return r
}

// Snapshot returns the current health view for a model. The second return
// is false for unknown model IDs.
func (r *HealthRegistry) Snapshot(modelID string) (HealthSnapshot, bool) {
	r.mu.RLock()
	rec := r.records[modelID]
	r.mu.RUnlock()
	if rec == nil {
		return HealthSnapshot{}, false
	}
	return *rec.snap.Load(), true
}

// Snapshots returns the health view of every model.
func (r *HealthRegistry) Snapshots() []HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HealthSnapshot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec.snap.Load())
	}
	return out
}

// Healthy reports whether the model is currently considered healthy.
// Unknown models are unhealthy.
func (r *HealthRegistry) Healthy(modelID string) bool {
	s, ok := r.Snapshot(modelID)
	return ok && s.Healthy
}

// HealthyCount returns how many models are currently healthy.
func (r *HealthRegistry) HealthyCount() int {
	n := 0
	for _, s := range r.Snapshots() {
		if s.Healthy {
			n++
		}
	}
	return n
}

func (r *HealthRegistry) record(modelID string) *healthRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[modelID]
}

// update applies one observation. Latency is smoothed with a half-life
// average: new = (old + observed) / 2. The prober and request goroutines
// both report here, so the read-modify-write runs under CAS; a plain store
// could drop a concurrent observation.
func (r *HealthRegistry) update(modelID string, healthy bool, latency time.Duration, probeErr error) {
	rec := r.record(modelID)
	if rec == nil {
		return
	}
	for {
		prev := rec.snap.Load()
		next := &HealthSnapshot{
			ModelID:     modelID,
			Healthy:     healthy,
			LastChecked: time.Now(),
			LastHealthy: prev.LastHealthy,
			AvgLatency:  prev.AvgLatency,
		}
		if healthy {
			next.LastHealthy = next.LastChecked
			if prev.AvgLatency == 0 {
				next.AvgLatency = latency
			} else {
				next.AvgLatency = (prev.AvgLatency + latency) / 2
			}
		} else if probeErr != nil {
			next.LastError = probeErr.Error()
		}
		if rec.snap.CompareAndSwap(prev, next) {
			return
		}
	}
}

// ReportSuccess marks a model healthy from live traffic. A completion that
// succeeded is at least as good a signal as a probe.
func (r *HealthRegistry) ReportSuccess(modelID string, latency time.Duration) {
	r.update(modelID, true, latency, nil)
}

// ReportFailure marks a model unhealthy from live traffic.
func (r *HealthRegistry) ReportFailure(modelID string, err error) {
	r.update(modelID, false, 0, err)
}

// Prober periodically checks each model's health endpoint and feeds the
// registry. It runs as a worker under the process runner.
type Prober struct {
	registry *HealthRegistry
	models   []gateway.Model
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
}

// NewProber builds a prober over the given models. A nil transport falls
// back to http.DefaultTransport.
func NewProber(registry *HealthRegistry, models []gateway.Model, transport http.RoundTripper, logger *slog.Logger) *Prober {
	return &Prober{
		registry: registry,
		models:   models,
		client:   &http.Client{Transport: transport, Timeout: probeTimeout},
		logger:   logger,
		interval: probeInterval,
	}
}

// Name returns the worker identifier.
func (p *Prober) Name() string { return "health_prober" }

// Run probes all models immediately, then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.probeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, m := range p.models {
		if ctx.Err() != nil {
			return
		}
		p.probe(ctx, m)
	}
}

// probe considers a model healthy only when the health endpoint answers
// 200 with a JSON body whose status field is "healthy".
func (p *Prober) probe(ctx context.Context, m gateway.Model) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+m.HealthPath, nil)
	if err != nil {
		p.registry.update(m.ID, false, 0, err)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.registry.update(m.ID, false, 0, err)
		p.logger.LogAttrs(ctx, slog.LevelWarn, "health probe failed",
			slog.String("model", m.ID),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	healthy := false
	if resp.StatusCode == http.StatusOK {
		var body struct {
			Status string `json:"status"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &body) == nil && body.Status == "healthy" {
			healthy = true
		}
	}
	p.registry.update(m.ID, healthy, latency, nil)
}
