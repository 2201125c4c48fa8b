package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	surgeerrors "github.com/surgeproof/go-surge/errors"
	"github.com/surgeproof/go-surge/store"
)

// releaseScript deletes the lock only when the stored token still matches
// the caller's token, so an owner whose TTL already fired cannot delete a
// lock legitimately held by a newer owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis implements Locker on the shared store's SetNX primitive. Each
// acquisition stores a token unique to this Redis instance and key; Release
// compares the token before deleting.
type Redis struct {
	store store.Store

	mu     sync.Mutex
	tokens map[string]string

	maxAttempts   int
	retryInterval time.Duration
}

const (
	defaultMaxAttempts   = 5
	defaultRetryInterval = 50 * time.Millisecond
)

// Option configures a Redis locker.
type Option func(*Redis)

// WithMaxAttempts bounds the number of TryLock attempts Acquire makes before
// giving up with ErrLockBusy.
func WithMaxAttempts(n int) Option {
	return func(r *Redis) {
		r.maxAttempts = n
	}
}

// WithRetryInterval sets the pause between Acquire attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Redis) {
		r.retryInterval = d
	}
}

// NewRedis returns a Locker backed by the shared store.
func NewRedis(st store.Store, opts ...Option) *Redis {
	r := &Redis{
		store:         st,
		tokens:        make(map[string]string),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock implements Locker.TryLock.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Acquire retries TryLock with a fixed backoff until it wins, the attempt
// budget is exhausted (ErrLockBusy), or ctx is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(r.retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return surgeerrors.ErrLockBusy
}

// Release implements Locker.Release. It is a no-op when this instance holds
// no token for key.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := r.store.Eval(ctx, releaseScript, []string{key}, token)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()
	return nil
}
