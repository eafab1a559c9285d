// Package kv provides the shared key-value store backing rate counters and
// ephemeral auth state. All operations are linearizable per key and bounded by
// a short hard timeout; callers treat any error as "store unreachable" and
// fail closed.
package kv

import (
	"context"
	"time"
)

// Store is the verb set the gateway needs from the shared KV store.
type Store interface {
	// Incr atomically increments key and sets ttl on first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// WindowAdd records a member with the given score in a sliding window set.
	WindowAdd(ctx context.Context, key string, score float64, member string) error
	// WindowCount counts members with score >= since.
	WindowCount(ctx context.Context, key string, since float64) (int64, error)
	// WindowTrim removes members with score < before.
	WindowTrim(ctx context.Context, key string, before float64) error
	// Expire sets the key's time-to-live.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent; reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kv: key not found" }
