package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Submit once Shutdown has begun.
var ErrPoolClosed = errors.New("pool is shutting down")

// Task is one unit of work. It receives a context bounded by the pool's task timeout
// and by the submitter's context.
type Task func(ctx context.Context)

type job struct {
	ctx  context.Context
	task Task
	name string
}

// Pool runs tasks on a fixed set of workers. The worker count is the upper bound on
// concurrently running tasks across every caller sharing the pool.
type Pool struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan job
	wg   sync.WaitGroup
	once sync.Once

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan job, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:  logger,
		workers: 4,
		ch:      make(chan job, 256),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

// Workers reports the configured worker count.
func (p *Pool) Workers() int { return p.workers }

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("pool.worker.started", "worker_id", workerID)

				for j := range p.ch {
					p.run(workerID, j)
				}

				p.logger.Debug("pool.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) run(workerID int, j job) {
	if err := j.ctx.Err(); err != nil {
		// still run it: the task owns its own result bookkeeping
		p.logger.Debug("pool.task.stale", "worker_id", workerID, "task", j.name, "error", err)
	}
	ctx := j.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool.task.panic", "worker_id", workerID, "task", j.name, "panic", r)
		}
	}()
	start := time.Now()
	j.task(ctx)
	p.logger.Debug("pool.task.done", "worker_id", workerID, "task", j.name, "elapsed_ms", time.Since(start).Milliseconds())
}

// Submit queues task. It blocks while the queue is full and fails when ctx is done
// or the pool is shutting down. A task that was accepted always runs exactly once.
func (p *Pool) Submit(ctx context.Context, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("pool.submit.rejected", "task", name, "reason", "shutting down")
		return ErrPoolClosed
	}

	j := job{ctx: ctx, task: task, name: name}
	select {
	case p.ch <- j:
		return nil
	default:
	}

	p.logger.Debug("pool.queue.full", "task", name)
	select {
	case p.ch <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting tasks, lets queued tasks finish, and waits for the
// workers until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) {
	// unblock submitters parked on a full queue before taking the write lock
	p.mu.RLock()
	already := p.closed
	p.mu.RUnlock()
	if already {
		return
	}
	p.signalDone()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() { defer close(finished); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("pool.shutdown.interrupted", "error", ctx.Err())
	case <-finished:
		p.logger.Info("pool.shutdown.complete")
	}
}

func (p *Pool) signalDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
