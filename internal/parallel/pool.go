// Package parallel runs independent host kernels on a fixed set of
// goroutines.
package parallel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of host work.
type Task func(ctx context.Context) error

// Pool is a work-stealing pool of goroutines.
//
// Every worker owns a queue. A worker with an empty queue takes work from
// the others before blocking, so a slow kernel does not stall the batch
// queued behind it.
//
// Pool is safe for concurrent use. Run calls from different goroutines
// share the workers.
type Pool struct {
	// mu is held shared by Run for its whole batch so Close never strands
	// queued work.
	mu      sync.RWMutex
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	next    atomic.Uint32
}

// NewPool starts a pool with n workers. n <= 0 uses GOMAXPROCS.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	depth := max(n*4, 8)
	p := &Pool{
		workers: n,
		queues:  make([]chan func(), n),
		done:    make(chan struct{}),
	}
	for i := range n {
		p.queues[i] = make(chan func(), depth)
	}
	p.running.Store(true)
	p.wg.Add(n)
	for i := range n {
		go p.work(i)
	}
	return p
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
			continue
		default:
		}
		if fn := p.steal(id); fn != nil {
			fn()
			continue
		}
		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
		}
	}
}

func drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case fn := <-p.queues[(id+i)%p.workers]:
			return fn
		default:
		}
	}
	return nil
}

// Run executes every task and waits for all of them. It returns the
// error of the lowest-indexed failing task. Once one task fails, tasks
// that have not started yet see a cancelled context.
//
// A single task, or any call on a closed pool, runs on the calling
// goroutine.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(tasks) == 1 || !p.running.Load() {
		return runInline(ctx, tasks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	start := int(p.next.Add(1))
	for i, t := range tasks {
		fn := func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			if err := t(ctx); err != nil {
				errs[i] = err
				cancel()
			}
		}
		p.queues[(start+i)%p.workers] <- fn
	}
	wg.Wait()
	return firstError(errs)
}

func runInline(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t(ctx); err != nil {
			return err
		}
	}
	return nil
}

// firstError prefers a task's own failure over the cancellation it caused
// in its siblings.
func firstError(errs []error) error {
	var cancelled error
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			if cancelled == nil {
				cancelled = err
			}
		default:
			return err
		}
	}
	return cancelled
}

// Close waits for running batches, then stops the workers. Later Run
// calls execute inline. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.mu.Unlock()
		return
	}
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// Running reports whether the workers are still up.
func (p *Pool) Running() bool { return p.running.Load() }
