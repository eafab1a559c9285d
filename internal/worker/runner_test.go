package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type funcWorker struct {
	name string
	fn   func(ctx context.Context) error
}

func (w *funcWorker) Name() string                  { return w.name }
func (w *funcWorker) Run(ctx context.Context) error { return w.fn(ctx) }

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	blockedStopped := make(chan struct{})

	r := NewRunner(
		&funcWorker{name: "failing", fn: func(ctx context.Context) error {
			return boom
		}},
		&funcWorker{name: "blocked", fn: func(ctx context.Context) error {
			<-ctx.Done()
			close(blockedStopped)
			return ctx.Err()
		}},
	)

	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Run = %v, want boom", err)
	}
	select {
	case <-blockedStopped:
	case <-time.After(time.Second):
		t.Error("sibling worker not cancelled after first error")
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(&funcWorker{name: "idle", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
