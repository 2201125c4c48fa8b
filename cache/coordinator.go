package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	surgeerrors "github.com/surgeproof/go-surge/errors"
	"github.com/surgeproof/go-surge/lock"
	"github.com/surgeproof/go-surge/store"
)

var tracer = otel.Tracer("github.com/surgeproof/go-surge/cache")

// Loader fetches the value for id from the backing source. The boolean
// return reports whether the source holds the value at all.
type Loader[T any] func(ctx context.Context, id string) (T, bool, error)

// envelope wraps a logically-expiring value. The entry never physically
// leaves the store; freshness lives in ExpireAt.
type envelope struct {
	Data     []byte    `json:"data"`
	ExpireAt time.Time `json:"expireAt"`
}

const (
	// rebuildLockPrefix namespaces the per-key rebuild locks.
	rebuildLockPrefix = "lock:cache:"

	defaultNullTTL       = 2 * time.Minute
	defaultLockTTL       = 10 * time.Second
	defaultMaxAttempts   = 20
	defaultRetryInterval = 50 * time.Millisecond
)

// Coordinator is a generic read-through cache over the shared store.
//
// T represents the type of values stored in the cache.
type Coordinator[T any] struct {
	store  store.Store
	locker lock.Locker
	pool   *Pool
	codec  Codec
	log    zerolog.Logger

	nullTTL       time.Duration
	lockTTL       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	now           func() time.Time

	hits           prometheus.Counter
	misses         prometheus.Counter
	staleServes    prometheus.Counter
	rebuilds       prometheus.Counter
	sentinelWrites prometheus.Counter
	traceEnabled   bool
}

// Option configures a Coordinator.
type Option[T any] func(*Coordinator[T])

// WithCodec sets the value codec. The default is JSONCodec.
func WithCodec[T any](codec Codec) Option[T] {
	return func(c *Coordinator[T]) {
		c.codec = codec
	}
}

// WithLogger sets the logger used for background rebuild and cleanup
// failures. The default logger discards everything.
func WithLogger[T any](log zerolog.Logger) Option[T] {
	return func(c *Coordinator[T]) {
		c.log = log
	}
}

// WithNullTTL sets how long the empty sentinel persists after a confirmed
// miss in the backing source. The same duration applies to every strategy.
func WithNullTTL[T any](d time.Duration) Option[T] {
	return func(c *Coordinator[T]) {
		c.nullTTL = d
	}
}

// WithLockTTL sets the TTL of the per-key rebuild lock.
func WithLockTTL[T any](d time.Duration) Option[T] {
	return func(c *Coordinator[T]) {
		c.lockTTL = d
	}
}

// WithMutexRetry bounds the blocking strategy's retry loop.
func WithMutexRetry[T any](attempts int, interval time.Duration) Option[T] {
	return func(c *Coordinator[T]) {
		c.maxAttempts = attempts
		c.retryInterval = interval
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Coordinator[T]) {
		c.now = now
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(c *Coordinator[T]) {
		c.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_cache_hits_total",
			Help: "Total number of fresh cache hits",
		})
		c.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.staleServes = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_cache_stale_serves_total",
			Help: "Total number of logically expired values served stale",
		})
		c.rebuilds = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_cache_rebuilds_total",
			Help: "Total number of background rebuild tasks executed",
		})
		c.sentinelWrites = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_cache_sentinel_writes_total",
			Help: "Total number of empty sentinels written for absent keys",
		})
		reg.MustRegister(c.hits, c.misses, c.staleServes, c.rebuilds, c.sentinelWrites)
	}
}

// WithTracing enables OpenTelemetry tracing for read operations.
func WithTracing[T any]() Option[T] {
	return func(c *Coordinator[T]) {
		c.traceEnabled = true
	}
}

// New returns a Coordinator using the given store, rebuild lock and worker
// pool. The pool may be nil if only the pass-through and mutex strategies
// are used.
func New[T any](st store.Store, locker lock.Locker, pool *Pool, opts ...Option[T]) *Coordinator[T] {
	c := &Coordinator[T]{
		store:         st,
		locker:        locker,
		pool:          pool,
		codec:         JSONCodec{},
		log:           zerolog.Nop(),
		nullTTL:       defaultNullTTL,
		lockTTL:       defaultLockTTL,
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set serializes value and stores it under key with a physical TTL.
func (c *Coordinator[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return surgeerrors.Mark(err, surgeerrors.ErrSerialization)
	}
	return c.store.Set(ctx, key, string(data), ttl)
}

// SetLogical stores value under key wrapped with a logical expiry of
// now+ttl and no store-level TTL. Used both for pre-warming and by the
// background rebuild.
func (c *Coordinator[T]) SetLogical(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return surgeerrors.Mark(err, surgeerrors.ErrSerialization)
	}
	payload, err := json.Marshal(envelope{Data: data, ExpireAt: c.now().Add(ttl)})
	if err != nil {
		return surgeerrors.Mark(err, surgeerrors.ErrSerialization)
	}
	return c.store.Set(ctx, key, string(payload), 0)
}

// GetPassThrough reads prefix+id with penetration defense: a confirmed miss
// in the backing source is cached as an empty sentinel for the null TTL, so
// lookups for non-existent keys stop reaching the loader. Returns
// ErrNotFound when the value exists in neither the cache nor the source.
func (c *Coordinator[T]) GetPassThrough(ctx context.Context, prefix, id string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.GetPassThrough")
		defer span.End()
	}

	key := prefix + id
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	if ok {
		if raw == "" {
			// penetration sentinel: confirmed absent, do not touch the loader
			c.inc(c.hits)
			c.trace(span, "sentinel")
			return zero, surgeerrors.ErrNotFound
		}
		var v T
		if err := c.codec.Unmarshal([]byte(raw), &v); err != nil {
			return zero, surgeerrors.Mark(err, surgeerrors.ErrSerialization)
		}
		c.inc(c.hits)
		c.trace(span, "hit")
		return v, nil
	}

	c.inc(c.misses)
	c.trace(span, "miss")
	v, found, err := loader(ctx, id)
	if err != nil {
		return zero, err
	}
	if !found {
		c.inc(c.sentinelWrites)
		if serr := c.store.Set(ctx, key, "", c.nullTTL); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("sentinel write failed")
		}
		return zero, surgeerrors.ErrNotFound
	}
	if serr := c.Set(ctx, key, v, ttl); serr != nil {
		// the caller already has the value; a failed cache write only costs
		// the next reader a loader call
		c.log.Warn().Err(serr).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

// GetLogicalExpire reads prefix+id with breakdown defense. A miss returns
// ErrNotFound without rebuilding: entries must be pre-warmed via SetLogical.
// An expired hit is returned stale immediately while at most one rebuild per
// key runs on the worker pool behind the rebuild lock.
func (c *Coordinator[T]) GetLogicalExpire(ctx context.Context, prefix, id string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.GetLogicalExpire")
		defer span.End()
	}

	key := prefix + id
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	if !ok {
		c.inc(c.misses)
		c.trace(span, "miss")
		return zero, surgeerrors.ErrNotFound
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return zero, surgeerrors.Mark(err, surgeerrors.ErrSerialization)
	}
	var v T
	if err := c.codec.Unmarshal(env.Data, &v); err != nil {
		return zero, surgeerrors.Mark(err, surgeerrors.ErrSerialization)
	}
	if c.now().Before(env.ExpireAt) {
		c.inc(c.hits)
		c.trace(span, "hit")
		return v, nil
	}

	c.inc(c.staleServes)
	c.trace(span, "stale")
	c.tryRebuild(ctx, key, id, ttl, loader)
	return v, nil
}

// tryRebuild submits an asynchronous rebuild for key if this reader wins the
// rebuild lock. Failures never reach the reader, who already holds a stale
// but valid value.
func (c *Coordinator[T]) tryRebuild(ctx context.Context, key, id string, ttl time.Duration, loader Loader[T]) {
	lockKey := rebuildLockPrefix + key
	won, err := c.locker.TryLock(ctx, lockKey, c.lockTTL)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("rebuild lock attempt failed")
		return
	}
	if !won {
		// another rebuild is already in flight
		return
	}
	if c.pool == nil {
		c.release(ctx, lockKey)
		return
	}

	submitted := c.pool.Submit(func(pctx context.Context) {
		defer c.release(pctx, lockKey)
		c.inc(c.rebuilds)
		v, found, lerr := loader(pctx, id)
		if lerr != nil {
			c.log.Warn().Err(lerr).Str("key", key).Msg("rebuild loader failed")
			return
		}
		if !found {
			// source no longer has the value; drop the entry so readers stop
			// serving a ghost
			if derr := c.store.Del(pctx, key); derr != nil {
				c.log.Warn().Err(derr).Str("key", key).Msg("rebuild delete failed")
			}
			return
		}
		if serr := c.SetLogical(pctx, key, v, ttl); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("rebuild write failed")
		}
	})
	if !submitted {
		c.log.Debug().Str("key", key).Msg("rebuild pool saturated, skipping")
		c.release(ctx, lockKey)
	}
}

// GetWithMutex reads prefix+id with the blocking breakdown defense: on a
// miss the caller competes for the rebuild lock and the loser retries the
// whole read a bounded number of times before giving up with ErrLockBusy.
func (c *Coordinator[T]) GetWithMutex(ctx context.Context, prefix, id string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T
	key := prefix + id
	lockKey := rebuildLockPrefix + key

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		raw, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return zero, err
		}
		if ok {
			if raw == "" {
				return zero, surgeerrors.ErrNotFound
			}
			var v T
			if err := c.codec.Unmarshal([]byte(raw), &v); err != nil {
				return zero, surgeerrors.Mark(err, surgeerrors.ErrSerialization)
			}
			c.inc(c.hits)
			return v, nil
		}

		won, err := c.locker.TryLock(ctx, lockKey, c.lockTTL)
		if err != nil {
			return zero, err
		}
		if !won {
			select {
			case <-time.After(c.retryInterval):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			continue
		}
		return c.fillLocked(ctx, key, lockKey, id, ttl, loader)
	}
	return zero, surgeerrors.ErrLockBusy
}

// fillLocked queries the backing source and populates the cache while the
// rebuild lock is held.
func (c *Coordinator[T]) fillLocked(ctx context.Context, key, lockKey, id string, ttl time.Duration, loader Loader[T]) (T, error) {
	var zero T
	defer c.release(ctx, lockKey)

	// double-check: the previous owner may have filled the key while we
	// were racing for the lock
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	if ok {
		if raw == "" {
			return zero, surgeerrors.ErrNotFound
		}
		var v T
		if err := c.codec.Unmarshal([]byte(raw), &v); err != nil {
			return zero, surgeerrors.Mark(err, surgeerrors.ErrSerialization)
		}
		return v, nil
	}

	c.inc(c.misses)
	v, found, err := loader(ctx, id)
	if err != nil {
		return zero, err
	}
	if !found {
		c.inc(c.sentinelWrites)
		if serr := c.store.Set(ctx, key, "", c.nullTTL); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("sentinel write failed")
		}
		return zero, surgeerrors.ErrNotFound
	}
	if serr := c.Set(ctx, key, v, ttl); serr != nil {
		c.log.Warn().Err(serr).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

func (c *Coordinator[T]) release(ctx context.Context, lockKey string) {
	if err := c.locker.Release(ctx, lockKey); err != nil {
		c.log.Warn().Err(err).Str("lock", lockKey).Msg("lock release failed")
	}
}

func (c *Coordinator[T]) inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

func (c *Coordinator[T]) trace(span trace.Span, result string) {
	if c.traceEnabled {
		span.SetAttributes(attribute.String("surge.cache.result", result))
	}
}
