package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedis(Options{Addr: mr.Addr(), OpTimeout: time.Second})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIncrSetsTTLOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	n, err = s.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestWindowCountAndTrim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i, score := range []float64{100, 200, 300} {
		if err := s.WindowAdd(ctx, "win", score, string(rune('a'+i))); err != nil {
			t.Fatalf("WindowAdd: %v", err)
		}
	}

	n, err := s.WindowCount(ctx, "win", 150)
	if err != nil {
		t.Fatalf("WindowCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	if err := s.WindowTrim(ctx, "win", 250); err != nil {
		t.Fatalf("WindowTrim: %v", err)
	}
	n, err = s.WindowCount(ctx, "win", 0)
	if err != nil {
		t.Fatalf("WindowCount: %v", err)
	}
	if n != 1 {
		t.Errorf("count after trim = %d, want 1", n)
	}
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetNXSingleUse(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "state:abc", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.SetNX(ctx, "state:abc", "1", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX: %v", err)
	}
	if ok {
		t.Error("second SetNX succeeded, want rejection")
	}
}

func TestUnreachableStoreSurfacesError(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := NewRedis(Options{Addr: mr.Addr(), OpTimeout: 100 * time.Millisecond})
	defer s.Close()
	mr.Close()

	if _, err := s.Incr(context.Background(), "k", time.Minute); err == nil {
		t.Error("Incr on closed store succeeded, want error so admission fails closed")
	}
}
