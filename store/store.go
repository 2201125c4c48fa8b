// Package store adapts an external key-value store to the narrow primitive
// set the surge packages build on: plain get/set with TTL, set-if-absent,
// atomic script execution, atomic counters and set membership. Callers never
// talk to the backend directly; the store's atomicity is the correctness
// boundary for everything above it.
package store

import (
	"context"
	"time"
)

// Store is the capability surface required from the shared key-value store.
//
// Implementations must normalize backend failures to the sentinels in the
// errors package: transport failures map to ErrStoreUnavailable and exceeded
// deadlines to ErrTimeout, so callers can branch without knowing the backend.
type Store interface {
	// Get retrieves the value for key. The boolean return indicates whether
	// the key exists; an empty string with true is a valid stored value.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl of zero stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value under key only if the key does not exist, returning
	// whether the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Eval runs script atomically and returns its integer result.
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)
	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error
	// SIsMember reports whether member is in the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// Del removes key.
	Del(ctx context.Context, key string) error
}
