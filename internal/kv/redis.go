package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultOpTimeout bounds every Redis call so a slow store cannot stall the
// request pipeline. Admission fails closed on timeout.
const defaultOpTimeout = 50 * time.Millisecond

// Redis implements Store on a go-redis client.
type Redis struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// Options configures the Redis store.
type Options struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration // defaults to 50ms
}

// NewRedis creates a Redis-backed Store. The connection is lazy; use Ping to
// verify reachability at startup.
func NewRedis(opts Options) *Redis {
	t := opts.OpTimeout
	if t <= 0 {
		t = defaultOpTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  t,
		WriteTimeout: t,
		PoolSize:     64,
	})
	return &Redis{rdb: rdb, opTimeout: t}
}

// bound applies the per-operation deadline unless the caller's is sooner.
func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// Incr atomically increments key, attaching ttl when the key is new.
// INCR and EXPIRE run in a pipeline so both round-trips share one deadline.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// WindowAdd records a member scored by timestamp into a sorted set.
func (r *Redis) WindowAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

// WindowCount counts members with score >= since.
func (r *Redis) WindowCount(ctx context.Context, key string, since float64) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.rdb.ZCount(ctx, key, formatScore(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("kv zcount %s: %w", key, err)
	}
	return n, nil
}

// WindowTrim drops members older than before.
func (r *Redis) WindowTrim(ctx context.Context, key string, before float64) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", "(" + formatScore(before)).Err(); err != nil {
		return fmt.Errorf("kv zremrange %s: %w", key, err)
	}
	return nil
}

// Expire sets the key's TTL.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

// Get returns the value of key, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key with a TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes key.
func (r *Redis) Del(ctx context.Context, key string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// Ping verifies store reachability. Uses a wider deadline than data ops since
// it only runs at startup and from health checks.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
