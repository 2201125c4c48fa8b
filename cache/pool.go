package cache

import (
	"context"
	"sync"
)

const (
	defaultPoolWorkers = 10
	defaultPoolQueue   = 64
)

// Pool is a bounded worker pool for cache rebuild tasks. It is an explicitly
// owned component: construct it, inject it into coordinators, and Close it
// on shutdown. Submit never blocks; a saturated pool rejects the task.
type Pool struct {
	tasks chan func(context.Context)
	ctx   context.Context

	mu     sync.Mutex
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool returns a running Pool with the given worker count and queue
// capacity. Non-positive arguments fall back to the defaults.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	if queue <= 0 {
		queue = defaultPoolQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan func(context.Context), queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.ctx)
	}
}

// Submit hands task to the pool. It returns false when the pool is closed or
// the queue is full; the caller must then perform its own cleanup (such as
// releasing a rebuild lock).
func (p *Pool) Submit(task func(context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks, waits for queued tasks to finish, then
// cancels the pool context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
