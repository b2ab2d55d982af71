package livechat

import (
	"log/slog"
	"sync"
)

// Executor runs callbacks. Delegate events and future callbacks of a
// session are all posted to one Executor, in order.
//
// A UI toolkit with a main thread can supply an Executor that forwards to
// it; the default is a SerialExecutor.
type Executor interface {
	Post(fn func())
}

// taskQueue is an unbounded FIFO drained by a fixed set of goroutines.
// Post never blocks.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

func newTaskQueue(workers int, log *slog.Logger) *taskQueue {
	if workers < 1 {
		workers = 1
	}
	q := &taskQueue{log: log}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

// post queues fn. It returns false once the queue is closed.
func (q *taskQueue) post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

func (q *taskQueue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *taskQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// close stops accepting work; queued tasks still run. It waits for the
// workers to drain unless called from one of them.
func (q *taskQueue) close(wait bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	if wait {
		q.wg.Wait()
	}
}

// SerialExecutor runs posted callbacks one at a time on a single goroutine.
type SerialExecutor struct {
	q *taskQueue
}

// NewSerialExecutor starts a SerialExecutor. Close releases its goroutine.
func NewSerialExecutor() *SerialExecutor {
	return &SerialExecutor{q: newTaskQueue(1, slog.New(slog.DiscardHandler))}
}

// Post queues fn. After Close, fn runs on the caller's goroutine, so a
// future completing late still reaches its callbacks.
func (e *SerialExecutor) Post(fn func()) {
	if !e.q.post(fn) {
		e.q.invoke(fn)
	}
}

// Close runs the remaining callbacks and stops the goroutine.
func (e *SerialExecutor) Close() {
	e.q.close(true)
}

// workerPool runs network operations. With one worker, operations are
// fully serialized.
type workerPool struct {
	q *taskQueue
}

func newWorkerPool(workers int, log *slog.Logger) *workerPool {
	return &workerPool{q: newTaskQueue(workers, log)}
}

func (p *workerPool) submit(fn func()) bool {
	return p.q.post(fn)
}

func (p *workerPool) close() {
	p.q.close(false)
}
