// Package lock provides a TTL-bound distributed mutual-exclusion primitive
// built on the shared store's set-if-absent operation. Locks are advisory:
// a critical section that outlives its TTL silently loses exclusivity, and
// no renewal watchdog is provided. Callers needing long critical sections
// must size the TTL accordingly.
package lock

import (
	"context"
	"time"
)

// Locker is a distributed lock keyed by a string.
type Locker interface {
	// TryLock attempts a single, non-blocking acquisition of key for ttl.
	// It returns whether this caller won the race.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees key if, and only if, this Locker still owns it. Releasing
	// a lock that expired and was re-acquired by another owner is a no-op.
	Release(ctx context.Context, key string) error
}
