package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageDelta is one request's token and cost contribution to a key's tally.
// The request count is bumped at auth time, so deltas carry tokens only.
type UsageDelta struct {
	KeyID        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	BumpUsage(ctx context.Context, keyID string, requests, inputTokens, outputTokens int64, costUSD float64) error
}

// QueueGauge reports the recorder's backlog to metrics. May be nil.
type QueueGauge interface {
	Set(float64)
}

// UsageRecorder buffers usage deltas and batch-flushes them to the store,
// coalescing deltas per key. Deltas are dropped if the channel is full
// (back-pressure on a slow store); tallies stay monotonic either way.
type UsageRecorder struct {
	ch    chan UsageDelta
	store UsageStore
	gauge QueueGauge
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore, gauge QueueGauge) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan UsageDelta, usageChanSize),
		store: store,
		gauge: gauge,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage delta. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(d UsageDelta) {
	select {
	case u.ch <- d:
		if u.gauge != nil {
			u.gauge.Set(float64(len(u.ch)))
		}
	default:
		slog.Warn("usage delta dropped, channel full", "key_id", d.KeyID)
	}
}

// Run processes deltas until ctx is cancelled, then drains what remains.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]UsageDelta, 0, usageBatchSize)

	for {
		select {
		case d := <-u.ch:
			buf = append(buf, d)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
			if u.gauge != nil {
				u.gauge.Set(float64(len(u.ch)))
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []UsageDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case d := <-u.ch:
			buf = append(buf, d)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

// flush coalesces the batch per key and applies one additive update each.
func (u *UsageRecorder) flush(ctx context.Context, buf []UsageDelta) {
	type agg struct {
		in, out int64
		cost    float64
	}
	byKey := make(map[string]*agg, len(buf))
	order := make([]string, 0, len(buf))
	for _, d := range buf {
		a, ok := byKey[d.KeyID]
		if !ok {
			a = &agg{}
			byKey[d.KeyID] = a
			order = append(order, d.KeyID)
		}
		a.in += d.InputTokens
		a.out += d.OutputTokens
		a.cost += d.CostUSD
	}

	for _, keyID := range order {
		a := byKey[keyID]
		if err := u.store.BumpUsage(ctx, keyID, 0, a.in, a.out, a.cost); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
	}
}
