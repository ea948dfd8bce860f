// README: Bounded worker pool for post-commit background jobs (matching, re-allocation).
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"fleet/internal/metrics"
)

// Job is one unit of background work. The context carries the per-job timeout.
type Job func(ctx context.Context) error

// Runner schedules background jobs without blocking the caller.
type Runner interface {
	Go(name string, job Job) bool
}

type task struct {
	name string
	job  Job
}

type Pool struct {
	tasks   chan task
	workers int
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		tasks:   make(chan task, queueSize),
		workers: workers,
		timeout: timeout,
	}
}

// Start launches the workers. They stop when ctx is done or after Close has
// drained the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
}

// Go enqueues job; it reports false and drops the job when the queue is full
// or the pool is closed.
func (p *Pool) Go(name string, job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.JobsTotal.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case p.tasks <- task{name: name, job: job}:
		return true
	default:
		log.Printf("[worker] queue full, dropping %s", name)
		metrics.JobsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(ctx, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] %s panicked: %v", t.name, r)
			metrics.JobsTotal.WithLabelValues("error").Inc()
		}
	}()
	jobCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := t.job(jobCtx); err != nil {
		log.Printf("[worker] %s failed: %v", t.name, err)
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.JobsTotal.WithLabelValues("ok").Inc()
}

// Inline runs jobs synchronously on the caller's goroutine. Tests use it to
// observe background effects deterministically.
type Inline struct {
	mu   sync.Mutex
	Errs []error
}

func (r *Inline) Go(name string, job Job) bool {
	if err := job(context.Background()); err != nil {
		r.mu.Lock()
		r.Errs = append(r.Errs, err)
		r.mu.Unlock()
	}
	return true
}
