package admission

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	surgeerrors "github.com/surgeproof/go-surge/errors"
	"github.com/surgeproof/go-surge/idgen"
	"github.com/surgeproof/go-surge/lock"
	"github.com/surgeproof/go-surge/store"
)

const (
	orderBizTag     = "order"
	orderLockPrefix = "lock:order:"

	defaultQueueSize = 1024
	defaultLockTTL   = 10 * time.Second
)

// Pipeline accepts limited-inventory order submissions. Admission runs as
// one atomic script; accepted orders are finalized asynchronously by a
// single consumer, which serializes every order write and removes
// database-level contention at the cost of being the throughput bottleneck.
// The queue is in-process and not durable: orders queued but not yet
// consumed are lost if the process crashes.
type Pipeline struct {
	store  store.Store
	ids    *idgen.Generator
	locker lock.Locker
	orders OrderStore
	log    zerolog.Logger

	queue   chan Order
	lockTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	accepted  prometheus.Counter
	rejected  prometheus.Counter
	finalized prometheus.Counter
	dropped   prometheus.Counter
}

// OrderStore finalizes admitted orders into durable storage. CreateOrder
// must re-check the per-user uniqueness constraint (ErrDuplicateOrder) and
// perform the conditional stock decrement (ErrNoStock) inside one
// transaction.
type OrderStore interface {
	CreateOrder(ctx context.Context, o Order) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueSize sets the capacity of the in-process order queue.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan Order, n)
		}
	}
}

// WithLockTTL sets the TTL of the per-user finalization lock.
func WithLockTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.lockTTL = d
	}
}

// WithLogger sets the pipeline logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pipeline) {
		p.accepted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_admission_accepted_total",
			Help: "Total number of submissions admitted by the atomic check",
		})
		p.rejected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_admission_rejected_total",
			Help: "Total number of submissions rejected (no stock or duplicate)",
		})
		p.finalized = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_admission_finalized_total",
			Help: "Total number of orders durably written by the consumer",
		})
		p.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surge_admission_dropped_total",
			Help: "Total number of admitted orders dropped during finalization",
		})
		reg.MustRegister(p.accepted, p.rejected, p.finalized, p.dropped)
	}
}

// New returns a Pipeline. Call Start before submitting and Shutdown when
// done.
func New(st store.Store, ids *idgen.Generator, locker lock.Locker, orders OrderStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		ids:     ids,
		locker:  locker,
		orders:  orders,
		log:     zerolog.Nop(),
		queue:   make(chan Order, defaultQueueSize),
		lockTTL: defaultLockTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SeedStock provisions the shared-store admission state for a voucher:
// the stock counter is set and any previous order set is cleared.
func (p *Pipeline) SeedStock(ctx context.Context, voucherID int64, stock int) error {
	if err := p.store.Set(ctx, stockKey(voucherID), strconv.Itoa(stock), 0); err != nil {
		return err
	}
	return p.store.Del(ctx, orderKey(voucherID))
}

// Submit runs the atomic admission check for (voucherID, userID).
//
// Rejections are reported in the Result, not as errors. An Accepted result
// carries the reserved order id and is an optimistic acceptance: the durable
// row is written asynchronously and may not exist yet when Submit returns.
// When the queue is full Submit fails fast with ErrQueueFull rather than
// blocking the caller.
func (p *Pipeline) Submit(ctx context.Context, voucherID, userID int64) (Result, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Result{}, surgeerrors.ErrClosed
	}

	code, err := p.store.Eval(ctx, admissionScript, nil,
		strconv.FormatInt(voucherID, 10), strconv.FormatInt(userID, 10))
	if err != nil {
		return Result{}, err
	}
	switch code {
	case 1:
		p.inc(p.rejected)
		return Result{Status: NoStock}, nil
	case 2:
		p.inc(p.rejected)
		return Result{Status: Duplicate}, nil
	}

	id, err := p.ids.NextID(ctx, orderBizTag)
	if err != nil {
		return Result{}, err
	}
	order := Order{ID: id, UserID: userID, VoucherID: voucherID, CreatedAt: p.now()}

	// the non-blocking send happens under the mutex so Shutdown cannot close
	// the queue between the closed check and the enqueue
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Error().Int64("order_id", id).Int64("user_id", userID).
			Int64("voucher_id", voucherID).Msg("pipeline closed after admission, acceptance lost")
		return Result{}, surgeerrors.ErrClosed
	}
	select {
	case p.queue <- order:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		// the admission script already committed; this acceptance is lost and
		// must surface in reconciliation
		p.log.Error().Int64("order_id", id).Int64("user_id", userID).
			Int64("voucher_id", voucherID).Msg("order queue full, admission lost")
		return Result{}, surgeerrors.ErrQueueFull
	}

	p.inc(p.accepted)
	return Result{Status: Accepted, OrderID: id}, nil
}

// Start launches the single background consumer. ctx scopes the store and
// database calls made during finalization; cancelling it makes remaining
// finalizations fail and drop, it does not stop the drain.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.consume(ctx)
}

// consume drains the queue strictly in FIFO order until Shutdown closes it.
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for order := range p.queue {
		p.finalize(ctx, order)
	}
}

// finalize writes one admitted order under the per-user lock. Every failure
// path drops the order: the caller already holds an optimistic acceptance
// that will never be honored, which is the documented correctness gap.
func (p *Pipeline) finalize(ctx context.Context, o Order) {
	lockKey := orderLockPrefix + strconv.FormatInt(o.UserID, 10)
	won, err := p.locker.TryLock(ctx, lockKey, p.lockTTL)
	if err != nil {
		p.inc(p.dropped)
		p.log.Error().Err(err).Int64("order_id", o.ID).Msg("finalization lock failed, order dropped")
		return
	}
	if !won {
		p.inc(p.dropped)
		p.log.Error().Int64("order_id", o.ID).Int64("user_id", o.UserID).
			Msg("finalization lock busy, order dropped")
		return
	}
	defer func() {
		if rerr := p.locker.Release(ctx, lockKey); rerr != nil {
			p.log.Warn().Err(rerr).Str("lock", lockKey).Msg("lock release failed")
		}
	}()

	switch err := p.orders.CreateOrder(ctx, o); {
	case err == nil:
		p.inc(p.finalized)
		p.log.Debug().Int64("order_id", o.ID).Msg("order finalized")
	case surgeerrors.Is(err, surgeerrors.ErrDuplicateOrder):
		p.inc(p.dropped)
		p.log.Error().Int64("order_id", o.ID).Int64("user_id", o.UserID).
			Msg("duplicate order detected at finalization, dropped")
	case surgeerrors.Is(err, surgeerrors.ErrNoStock):
		p.inc(p.dropped)
		p.log.Error().Int64("order_id", o.ID).Int64("voucher_id", o.VoucherID).
			Msg("stock race lost at finalization, dropped")
	default:
		p.inc(p.dropped)
		p.log.Error().Err(err).Int64("order_id", o.ID).Msg("finalization failed, order dropped")
	}
}

// Shutdown stops accepting submissions, closes the queue and waits for the
// consumer to drain it. It returns ctx.Err() if the drain does not finish in
// time; queued orders are then lost, consistent with the non-durable queue.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}
