package engine

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is a unit of work for the pool.
type Task struct {
	// Key groups tasks that share a concurrency limit (the workflow name).
	Key string
	// Limit caps running tasks with the same Key. Zero means only the pool
	// size applies.
	Limit int
	// Run executes the task. ctx is cancelled when Shutdown gives up waiting.
	Run func(ctx context.Context) error
	// Dropped is called instead of Run when the task is discarded before it
	// started, either through Ticket.Cancel or Shutdown.
	Dropped func()
}

type queuedTask struct {
	task Task
	elem *list.Element
}

// Ticket identifies a submitted task.
type Ticket struct {
	pool *WorkerPool
	q    *queuedTask
}

// Cancel removes the task from the queue. It reports false when the task
// already started or was dropped. Dropped is not called for cancelled tasks.
func (t *Ticket) Cancel() bool {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.q.elem == nil {
		return false
	}
	p.queue.Remove(t.q.elem)
	t.q.elem = nil
	return true
}

// WorkerPool runs tasks with a global concurrency bound and optional
// per-key bounds. Tasks that cannot start wait in a FIFO queue; when a slot
// frees, the oldest queued task whose key has capacity starts first.
type WorkerPool struct {
	mu      sync.Mutex
	size    int
	queue   *list.List
	running int
	perKey  map[string]int
	closed  bool
	metrics PoolMetrics

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		size:   size,
		queue:  list.New(),
		perKey: make(map[string]int),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the global concurrency bound.
func (p *WorkerPool) Size() int { return p.size }

// Submit enqueues a task and starts it as soon as capacity allows. It never
// blocks. Returns ErrPoolShutdown once Shutdown has been called.
func (p *WorkerPool) Submit(t Task) (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolShutdown
	}
	q := &queuedTask{task: t}
	q.elem = p.queue.PushBack(q)
	p.dispatchLocked()
	return &Ticket{pool: p, q: q}, nil
}

// dispatchLocked starts queued tasks while slots are free. Tasks whose key
// is at its limit are skipped without losing their queue position.
func (p *WorkerPool) dispatchLocked() {
	for el := p.queue.Front(); el != nil && p.running < p.size; {
		next := el.Next()
		q := el.Value.(*queuedTask)
		if q.task.Limit > 0 && p.perKey[q.task.Key] >= q.task.Limit {
			el = next
			continue
		}
		p.queue.Remove(el)
		q.elem = nil
		p.running++
		p.perKey[q.task.Key]++
		p.wg.Add(1)
		go p.run(q.task)
		el = next
	}
}

func (p *WorkerPool) run(t Task) {
	failed := false
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			failed = true
		}
		p.mu.Lock()
		p.running--
		if p.perKey[t.Key]--; p.perKey[t.Key] <= 0 {
			delete(p.perKey, t.Key)
		}
		if panicked {
			p.metrics.Panics++
		}
		if failed {
			p.metrics.Failed++
		} else {
			p.metrics.Completed++
		}
		if !p.closed {
			p.dispatchLocked()
		}
		p.mu.Unlock()
		p.wg.Done()
	}()

	if err := t.Run(p.ctx); err != nil {
		failed = true
	}
}

// Wait blocks until all started work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops the pool. Queued tasks are dropped and running tasks are
// awaited. If ctx ends first, running tasks have their context cancelled,
// Shutdown still waits for them to return and then reports ctx.Err().
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	var dropped []Task
	for el := p.queue.Front(); el != nil; el = el.Next() {
		q := el.Value.(*queuedTask)
		q.elem = nil
		dropped = append(dropped, q.task)
	}
	p.queue.Init()
	p.metrics.Dropped += int64(len(dropped))
	p.mu.Unlock()

	for _, t := range dropped {
		if t.Dropped != nil {
			t.Dropped()
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.Active = int64(p.running)
	m.Queued = int64(p.queue.Len())
	return m
}
