package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/factlens/desktop/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("workerpool: pool is not accepting tasks")
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrDuplicate = errors.New("workerpool: task with this key already in flight")
)

// Task is a unit of work. ctx is cancelled by Cancel(key) or when the pool
// drains past its deadline.
type Task func(ctx context.Context)

type job struct {
	key  string
	ctx  context.Context
	task Task
}

// Pool is a bounded goroutine pool with a fixed-size queue. Every task has a
// key; at most one task per key is queued or running at a time.
type Pool struct {
	maxWorkers int
	queue      chan job
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	baseCtx   context.Context
	cancelAll context.CancelFunc
	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan job, queueSize),
		stopChan:   make(chan struct{}),
		baseCtx:    ctx,
		cancelAll:  cancel,
		inflight:   make(map[string]context.CancelFunc),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues task under key. wg.Add happens before enqueue so Drain
// cannot miss it.
func (p *Pool) Submit(key string, task Task) error {
	if !p.accepting.Load() {
		return ErrStopped
	}

	p.mu.Lock()
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		return ErrDuplicate
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.inflight[key] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	select {
	case p.queue <- job{key: key, ctx: ctx, task: task}:
		return nil
	default:
		p.wg.Done()
		p.release(key)
		log.Warn("worker pool queue full, task rejected", "key", key)
		return ErrQueueFull
	}
}

// Cancel cancels the context of the task registered under key. It reports
// whether such a task existed.
func (p *Pool) Cancel(key string) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[key]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of queued or running tasks.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and running tasks, respecting the context deadline.
// Tasks still running at the deadline have their contexts cancelled. Call
// StopAccepting first.
func (p *Pool) Drain(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out, cancelling tasks", "inflight", p.InFlight())
		p.cancelAll()
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown stops accepting tasks and drains the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(j)
		case <-p.stopChan:
			for {
				select {
				case j, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(j)
				default:
					return
				}
			}
		}
	}
}

// run executes one task with panic recovery and releases its key.
func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer p.release(j.key)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "key", j.key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	j.task(j.ctx)
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	cancel, ok := p.inflight[key]
	delete(p.inflight, key)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}
