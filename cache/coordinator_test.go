package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	surgeerrors "github.com/surgeproof/go-surge/errors"
	"github.com/surgeproof/go-surge/lock"
	"github.com/surgeproof/go-surge/store"
)

type shop struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  store.Store
	locker *lock.Redis
	pool   *Pool
	mr     *miniredis.Miniredis
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := NewPool(4, 16)
	t.Cleanup(func() {
		pool.Close()
		_ = client.Close()
		mr.Close()
	})
	st := store.NewRedis(client)
	return &fixture{
		store:  st,
		locker: lock.NewRedis(st),
		pool:   pool,
		mr:     mr,
		clock:  &fakeClock{t: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) coordinator(t *testing.T, opts ...Option[shop]) *Coordinator[shop] {
	t.Helper()
	all := append([]Option[shop]{WithClock[shop](f.clock.Now)}, opts...)
	return New[shop](f.store, f.locker, f.pool, all...)
}

func countingLoader(result shop, found bool) (Loader[shop], *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context, id string) (shop, bool, error) {
		calls.Add(1)
		return result, found, nil
	}, &calls
}

func TestPassThroughMissLoadsAndCaches(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	want := shop{ID: "1", Name: "cafe"}
	loader, calls := countingLoader(want, true)

	got, err := c.GetPassThrough(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("first read: got %+v err %v", got, err)
	}
	got, err = c.GetPassThrough(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("second read: got %+v err %v", got, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestPassThroughAbsentWritesSentinel(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	loader, calls := countingLoader(shop{}, false)

	if _, err := c.GetPassThrough(ctx, "shop:", "404", time.Minute, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// the sentinel absorbs the second lookup without touching the loader
	if _, err := c.GetPassThrough(ctx, "shop:", "404", time.Minute, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestPassThroughSentinelExpires(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, WithNullTTL[shop](time.Minute))
	ctx := context.Background()
	loader, calls := countingLoader(shop{}, false)

	if _, err := c.GetPassThrough(ctx, "shop:", "404", time.Hour, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	f.mr.FastForward(2 * time.Minute)
	if _, err := c.GetPassThrough(ctx, "shop:", "404", time.Hour, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader called %d times after sentinel expiry, want 2", calls.Load())
	}
}

func TestLogicalExpireFreshHit(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	want := shop{ID: "1", Name: "cafe"}
	loader, calls := countingLoader(shop{}, false)

	if err := c.SetLogical(ctx, "shop:1", want, time.Minute); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	got, err := c.GetLogicalExpire(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("fresh read: got %+v err %v", got, err)
	}
	if calls.Load() != 0 {
		t.Fatal("loader must not run on a fresh hit")
	}
}

func TestLogicalExpireMissReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	loader, calls := countingLoader(shop{ID: "1"}, true)

	if _, err := c.GetLogicalExpire(context.Background(), "shop:", "1", time.Minute, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on cold key, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("logical-expire strategy must not rebuild a cold key")
	}
}

func TestLogicalExpireServesStaleAndRebuilds(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	old := shop{ID: "1", Name: "old"}
	fresh := shop{ID: "1", Name: "fresh"}
	loader, _ := countingLoader(fresh, true)

	if err := c.SetLogical(ctx, "shop:1", old, time.Minute); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	// the reader gets the stale value immediately
	got, err := c.GetLogicalExpire(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != old {
		t.Fatalf("stale read: got %+v err %v", got, err)
	}

	// the asynchronous rebuild replaces the value
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = c.GetLogicalExpire(ctx, "shop:", "1", time.Minute, loader)
		if err == nil && got == fresh {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rebuild never landed, last got %+v err %v", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLogicalExpireSingleRebuildInFlight(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	old := shop{ID: "1", Name: "old"}

	var calls atomic.Int64
	slowLoader := func(lctx context.Context, id string) (shop, bool, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return shop{ID: "1", Name: "fresh"}, true, nil
	}

	if err := c.SetLogical(ctx, "shop:1", old, time.Minute); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			got, err := c.GetLogicalExpire(ctx, "shop:", "1", time.Minute, slowLoader)
			if err != nil {
				return err
			}
			// readers only ever see the old or the new value, never an absence
			if got != old && got.Name != "fresh" {
				t.Errorf("unexpected value %+v", got)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent reads: %v", err)
	}

	// wait out the rebuild, then check only one loader call happened
	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one in-flight rebuild, loader ran %d times", calls.Load())
	}
}

func TestMutexMissLoadsOnceAndCaches(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	want := shop{ID: "1", Name: "cafe"}
	loader, calls := countingLoader(want, true)

	got, err := c.GetWithMutex(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("first read: got %+v err %v", got, err)
	}
	got, err = c.GetWithMutex(ctx, "shop:", "1", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("second read: got %+v err %v", got, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestMutexAbsentWritesSentinel(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	loader, calls := countingLoader(shop{}, false)

	if _, err := c.GetWithMutex(ctx, "shop:", "404", time.Minute, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetWithMutex(ctx, "shop:", "404", time.Minute, loader); !surgeerrors.Is(err, surgeerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestMutexBoundedRetryReturnsLockBusy(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, WithMutexRetry[shop](3, 10*time.Millisecond))
	ctx := context.Background()
	loader, calls := countingLoader(shop{ID: "1"}, true)

	// an outside owner pins the rebuild lock so every attempt loses
	holder := lock.NewRedis(f.store)
	if ok, _ := holder.TryLock(ctx, rebuildLockPrefix+"shop:1", time.Minute); !ok {
		t.Fatal("holder should acquire")
	}

	start := time.Now()
	_, err := c.GetWithMutex(ctx, "shop:", "1", time.Minute, loader)
	if !surgeerrors.Is(err, surgeerrors.ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("bounded retry took too long: %v", elapsed)
	}
	if calls.Load() != 0 {
		t.Fatal("loader must not run while the lock is held elsewhere")
	}
}

func TestMutexDoubleCheckAfterLock(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	want := shop{ID: "1", Name: "cafe"}

	var calls atomic.Int64
	loader := func(lctx context.Context, id string) (shop, bool, error) {
		calls.Add(1)
		return want, true, nil
	}

	const readers = 10
	var g errgroup.Group
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			got, err := c.GetWithMutex(ctx, "shop:", "1", time.Minute, loader)
			if err != nil {
				return err
			}
			if got != want {
				t.Errorf("got %+v", got)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent reads: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times under contention, want 1", calls.Load())
	}
}

func TestSetRoundTripWithTTL(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t)
	ctx := context.Background()
	want := shop{ID: "9", Name: "bar"}
	loader, calls := countingLoader(want, true)

	if err := c.Set(ctx, "shop:9", want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.GetPassThrough(ctx, "shop:", "9", time.Minute, loader)
	if err != nil || got != want {
		t.Fatalf("read after set: got %+v err %v", got, err)
	}
	if calls.Load() != 0 {
		t.Fatal("loader must not run before expiry")
	}

	f.mr.FastForward(2 * time.Minute)
	if _, err := c.GetPassThrough(ctx, "shop:", "9", time.Minute, loader); err != nil {
		t.Fatalf("read after expiry: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times after expiry, want 1", calls.Load())
	}
}
