// Package security implements the gateway's filtering layer: request
// inspection and sanitization on the way in, PII and secret masking on the
// way out, and the process-local IP block set fed by both the suspicion
// scorer and the admission blacklist.
package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultBlockTTL = 24 * time.Hour
	suspicionIdle   = time.Hour // records idle this long are evicted
	janitorInterval = time.Hour
)

type suspicionRecord struct {
	ticks        int
	lastActivity time.Time
}

// Blocklist is the process-local IP block set plus per-IP suspicion state.
// All state is guarded by one mutex held only for O(1) work.
type Blocklist struct {
	mu         sync.Mutex
	blocks     map[string]time.Time // ip -> block expiry
	suspicion  map[string]*suspicionRecord
	blockTicks int
	logger     *slog.Logger
	alertURL   string
	now        func() time.Time
}

// NewBlocklist builds a block set. blockTicks is the suspicion tick count
// that triggers a block; alertURL may be empty.
func NewBlocklist(blockTicks int, alertURL string, logger *slog.Logger) *Blocklist {
	if blockTicks <= 0 {
		blockTicks = 5
	}
	return &Blocklist{
		blocks:     make(map[string]time.Time),
		suspicion:  make(map[string]*suspicionRecord),
		blockTicks: blockTicks,
		logger:     logger,
		alertURL:   alertURL,
		now:        time.Now,
	}
}

// Blocked reports whether the IP is currently blocked. Expired entries are
// dropped lazily.
func (b *Blocklist) Blocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocks[ip]
	if !ok {
		return false
	}
	if b.now().After(until) {
		delete(b.blocks, ip)
		return false
	}
	return true
}

// Block adds the IP to the block set. A non-positive duration falls back to
// the 24h default. Also the admission blacklist hook.
func (b *Blocklist) Block(ip string, d time.Duration) {
	if d <= 0 {
		d = defaultBlockTTL
	}
	b.mu.Lock()
	b.blocks[ip] = b.now().Add(d)
	b.mu.Unlock()

	b.logger.LogAttrs(context.Background(), slog.LevelWarn, "ip blocked",
		slog.String("ip", ip),
		slog.Duration("duration", d))
	b.alert(ip, d)
}

// Touch records activity for the IP and returns the time since its previous
// activity. The first sighting reports a large interval.
func (b *Blocklist) Touch(ip string) time.Duration {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.suspicion[ip]
	if !ok {
		b.suspicion[ip] = &suspicionRecord{lastActivity: now}
		return time.Hour
	}
	since := now.Sub(rec.lastActivity)
	rec.lastActivity = now
	return since
}

// Tick records one suspicion tick for the IP and blocks it once the tick
// count reaches the threshold. Reports whether the IP ended up blocked.
func (b *Blocklist) Tick(ip string) bool {
	now := b.now()
	b.mu.Lock()
	rec, ok := b.suspicion[ip]
	if !ok {
		rec = &suspicionRecord{}
		b.suspicion[ip] = rec
	}
	rec.ticks++
	rec.lastActivity = now
	ticks := rec.ticks
	b.mu.Unlock()

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "suspicion tick",
		slog.String("ip", ip),
		slog.Int("ticks", ticks))
	if ticks >= b.blockTicks {
		b.Block(ip, defaultBlockTTL)
		return true
	}
	return false
}

// Sweep drops expired blocks and suspicion records idle for over an hour.
// Returns how many entries were removed.
func (b *Blocklist) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for ip, until := range b.blocks {
		if now.After(until) {
			delete(b.blocks, ip)
			removed++
		}
	}
	for ip, rec := range b.suspicion {
		if now.Sub(rec.lastActivity) > suspicionIdle {
			delete(b.suspicion, ip)
			removed++
		}
	}
	return removed
}

// Name returns the worker identifier.
func (b *Blocklist) Name() string { return "blocklist_janitor" }

// Run sweeps hourly until ctx is done. Registered as a background worker.
func (b *Blocklist) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.LogAttrs(ctx, slog.LevelDebug, "blocklist sweep",
					slog.Int("removed", n))
			}
		}
	}
}

// alert posts a security event to the configured webhook. Fire and forget;
// alerts never change the response to the triggering request.
func (b *Blocklist) alert(ip string, d time.Duration) {
	if b.alertURL == "" {
		return
	}
	body := []byte(`{"event":"ip_blocked","ip":"` + ip + `","duration":"` + d.String() + `"}`)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.alertURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			b.logger.LogAttrs(ctx, slog.LevelWarn, "security alert delivery failed",
				slog.String("error", err.Error()))
			return
		}
		resp.Body.Close()
	}()
}
