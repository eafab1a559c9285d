package server

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

var processStart = time.Now()

type componentHealth struct {
	Status      string  `json:"status"`
	LatencyMS   float64 `json:"latency_ms,omitempty"`
	LastChecked string  `json:"last_checked,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	UptimeSecs int64                      `json:"uptime_seconds"`
	Components map[string]componentHealth `json:"components"`
	System     systemHealth               `json:"system"`
}

type systemHealth struct {
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64  `json:"heap_sys_bytes"`
	HeapUsedPct    float64 `json:"heap_used_pct"`
	Goroutines     int     `json:"goroutines"`
}

// handleHealth reports aggregate health: the KV store, every model, and
// process memory. Any unhealthy component makes the whole report unhealthy
// and the endpoint answers 503 so orchestrators can act on it.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]componentHealth)
	unhealthy := false
	degraded := false

	kvStart := time.Now()
	if err := s.deps.KV.Ping(ctx); err != nil {
		components["kv"] = componentHealth{Status: "unhealthy", Error: err.Error()}
		unhealthy = true
	} else {
		components["kv"] = componentHealth{
			Status:    "healthy",
			LatencyMS: float64(time.Since(kvStart)) / float64(time.Millisecond),
		}
	}

	for _, snap := range s.deps.Health.Snapshots() {
		c := componentHealth{
			Status:    "healthy",
			LatencyMS: snap.AvgLatencyMS(),
		}
		if !snap.LastChecked.IsZero() {
			c.LastChecked = snap.LastChecked.UTC().Format(time.RFC3339)
		}
		if !snap.Healthy {
			c.Status = "unhealthy"
			c.Error = snap.LastError
			unhealthy = true
		}
		components["model:"+snap.ModelID] = c
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	sys := systemHealth{
		HeapAllocBytes: mem.HeapAlloc,
		HeapSysBytes:   mem.HeapSys,
		Goroutines:     runtime.NumGoroutine(),
	}
	if mem.HeapSys > 0 {
		sys.HeapUsedPct = float64(mem.HeapAlloc) / float64(mem.HeapSys) * 100
	}
	if sys.HeapUsedPct > 90 {
		degraded = true
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case unhealthy:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	writeJSON(w, code, healthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		UptimeSecs: int64(time.Since(processStart).Seconds()),
		Components: components,
		System:     sys,
	})
}

// handleReady answers 200 once the gateway can serve traffic: the KV store
// is reachable and at least one model is healthy.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.KV.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "reason": "kv unreachable"})
		return
	}
	if s.deps.Health.HealthyCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "reason": "no healthy models"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
