package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type bump struct {
	requests, in, out int64
	cost              float64
}

type fakeUsageStore struct {
	mu    sync.Mutex
	bumps map[string]bump
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{bumps: make(map[string]bump)}
}

func (s *fakeUsageStore) BumpUsage(_ context.Context, keyID string, requests, in, out int64, cost float64) error {
	s.mu.Lock()
	b := s.bumps[keyID]
	b.requests += requests
	b.in += in
	b.out += out
	b.cost += cost
	s.bumps[keyID] = b
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) get(keyID string) bump {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumps[keyID]
}

func (s *fakeUsageStore) totalTokens() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.bumps {
		n += b.in + b.out
	}
	return n
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := newFakeUsageStore()
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range usageBatchSize {
		rec.Record(UsageDelta{KeyID: fmt.Sprintf("key-%d", i%4), InputTokens: 1, OutputTokens: 1})
	}

	deadline := time.After(2 * time.Second)
	for {
		if store.totalTokens() >= int64(2*usageBatchSize) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d tokens", store.totalTokens())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_CoalescesPerKey(t *testing.T) {
	t.Parallel()
	store := newFakeUsageStore()
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(UsageDelta{KeyID: "key-a", InputTokens: 10, OutputTokens: 20, CostUSD: 0.01})
	rec.Record(UsageDelta{KeyID: "key-a", InputTokens: 5, OutputTokens: 5, CostUSD: 0.005})
	rec.Record(UsageDelta{KeyID: "key-b", InputTokens: 1, OutputTokens: 2})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	a := store.get("key-a")
	if a.in != 15 || a.out != 25 || a.cost != 0.015 {
		t.Errorf("key-a = %+v, want in=15 out=25 cost=0.015", a)
	}
	if a.requests != 0 {
		t.Errorf("recorder bumped requests = %d; the auth path owns that counter", a.requests)
	}
	b := store.get("key-b")
	if b.in != 1 || b.out != 2 {
		t.Errorf("key-b = %+v", b)
	}
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := newFakeUsageStore()
	rec := &UsageRecorder{
		ch:    make(chan UsageDelta, 2), // tiny buffer
		store: store,
	}

	rec.Record(UsageDelta{KeyID: "1"})
	rec.Record(UsageDelta{KeyID: "2"})
	// This one should be dropped silently.
	rec.Record(UsageDelta{KeyID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := newFakeUsageStore()
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(UsageDelta{KeyID: "drain-1", InputTokens: 1})
	rec.Record(UsageDelta{KeyID: "drain-2", OutputTokens: 1})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalTokens() < 2 {
		t.Errorf("expected drained deltas, got %d tokens", store.totalTokens())
	}
}
