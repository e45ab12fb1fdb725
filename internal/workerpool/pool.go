// Package workerpool runs request-processing tasks off the reactor goroutine.
package workerpool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
	"github.com/marmos91/dittoweb/internal/logger"
)

// ErrPoolClosed is returned by Submit after Close was called.
var ErrPoolClosed = errors.New("workerpool: closed")

// Task is a unit of work, typically a closure capturing one connection.
type Task func()

// Pool is a fixed set of goroutines consuming one FIFO queue.
//
// Tasks start in submission order. The pool does not serialise tasks for the same
// connection; the reactor never submits a second task for a connection before the
// first one re-armed its descriptor.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	closed  bool
	workers sync.WaitGroup
	size    int
}

// New starts size workers. size must be positive.
func New(size int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("workerpool: invalid size %d", size))
	}

	p := &Pool{
		tasks: queue.New(),
		size:  size,
	}
	p.cond = sync.NewCond(&p.mu)

	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	logger.Debug("Worker pool started with %d worker(s)", size)
	return p
}

// Submit enqueues task and wakes one idle worker.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("workerpool: nil task")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.tasks.Add(task)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Close stops accepting tasks, lets the workers drain the queue and waits for them
// to exit. Calling Close more than once is safe.
func (p *Pool) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if !already {
		p.cond.Broadcast()
	}
	p.workers.Wait()
}

func (p *Pool) worker(id int) {
	defer p.workers.Done()

	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker %d recovered from panic: %v\n%s", id, r, debug.Stack())
		}
	}()
	task()
}
