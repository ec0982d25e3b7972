package thread

import (
	"errors"
	"runtime"
	"sync"
)

var ErrStopped = errors.New("worker is stopped")

type fun struct {
	fn   func()
	done chan struct{}
}

var dPool = sync.Pool{New: func() interface{} { return make(chan struct{}) }}

// Worker runs queued functions one by one on a single locked OS thread.
// Graphics contexts are bound to the thread that made them current,
// so everything touching such a context has to go through one Worker.
type Worker struct {
	fq   chan fun
	quit chan struct{}
	done chan struct{}

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewWorker creates a worker with a queue of the given size.
func NewWorker(queue int) *Worker {
	if queue < 1 {
		queue = 1
	}
	return &Worker{
		fq:   make(chan fun, queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start spawns the worker thread. Repeated calls are no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.loop()
}

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	for {
		select {
		case f := <-w.fq:
			exec(f)
		case <-w.quit:
			for {
				select {
				case f := <-w.fq:
					exec(f)
				default:
					return
				}
			}
		}
	}
}

func exec(f fun) {
	f.fn()
	if f.done != nil {
		f.done <- struct{}{}
	}
}

// Call queues function f on the worker thread and blocks until f finishes.
// Must not be called from the worker thread itself.
func (w *Worker) Call(f func()) error {
	done := dPool.Get().(chan struct{})
	defer dPool.Put(done)

	w.mu.RLock()
	if !w.started || w.stopped {
		w.mu.RUnlock()
		return ErrStopped
	}
	w.fq <- fun{fn: f, done: done}
	w.mu.RUnlock()

	<-done
	return nil
}

// TryPost queues function f without waiting for it.
// Returns false when the queue is full or the worker is stopped.
func (w *Worker) TryPost(f func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.started || w.stopped {
		return false
	}
	select {
	case w.fq <- fun{fn: f}:
		return true
	default:
		return false
	}
}

// Stop rejects new work, runs everything already queued and
// waits for the thread to exit. Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return
	}
	close(w.quit)
	<-w.done
}
