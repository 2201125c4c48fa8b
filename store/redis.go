package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	surgeerrors "github.com/surgeproof/go-surge/errors"
)

const defaultOpTimeout = 5 * time.Second

// Redis implements Store over a go-redis client.
type Redis struct {
	client  *redis.Client
	timeout time.Duration

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout for backend calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.timeout = d
	}
}

// NewRedis returns a Store backed by the provided Redis client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		timeout: defaultOpTimeout,
		scripts: make(map[string]*redis.Script),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	val, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, normalize(err)
	}
	return val, true, nil
}

// Set implements Store.Set.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return normalize(r.client.Set(cctx, key, value, ttl).Err())
}

// SetNX implements Store.SetNX.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, ttl).Result()
	return ok, normalize(err)
}

// Eval implements Store.Eval. Scripts are cached per source so repeated
// executions use EVALSHA.
func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	r.mu.Lock()
	s, ok := r.scripts[script]
	if !ok {
		s = redis.NewScript(script)
		r.scripts[script] = s
	}
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := s.Run(cctx, r.client, keys, args...).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, normalize(err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, surgeerrors.Wrap(surgeerrors.ErrSerialization, "script returned non-integer result")
	}
	return n, nil
}

// Incr implements Store.Incr.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Incr(cctx, key).Result()
	return n, normalize(err)
}

// SAdd implements Store.SAdd.
func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return normalize(r.client.SAdd(cctx, key, member).Err())
}

// SIsMember implements Store.SIsMember.
func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SIsMember(cctx, key, member).Result()
	return ok, normalize(err)
}

// Del implements Store.Del.
func (r *Redis) Del(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return normalize(r.client.Del(cctx, key).Err())
}

// normalize maps backend failures onto the shared sentinels.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return surgeerrors.Mark(err, surgeerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return surgeerrors.Mark(err, surgeerrors.ErrStoreUnavailable)
	default:
		return err
	}
}
