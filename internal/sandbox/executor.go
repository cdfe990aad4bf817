package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Executor errors.
var (
	// ErrExecutorClosed is returned for operations on a closed executor.
	ErrExecutorClosed = errors.New("sandbox: executor closed")

	// ErrQueueFull is returned when an async task cannot be queued.
	ErrQueueFull = errors.New("sandbox: executor queue full")
)

// defaultQueueSize is the task buffer when no size is configured.
const defaultQueueSize = 64

// task is one unit of work queued against the VM.
type task struct {
	fn     func(vm *VM) error
	result chan error
}

// Executor serializes all access to one instance's VM through a single
// goroutine. gopher-lua states are not goroutine-safe, and per-instance
// serialization is also what lets extension handlers assume single-threaded
// state. Dispatches to different instances run on different executors and
// therefore proceed concurrently.
type Executor struct {
	vm    *VM
	queue chan *task
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewExecutor creates and starts an executor for the VM. The executor owns
// the only goroutine allowed to touch the VM until Close.
func NewExecutor(vm *VM, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	e := &Executor{
		vm:    vm,
		queue: make(chan *task, queueSize),
		done:  make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()

	return e
}

// run drains the task queue on the VM-owning goroutine.
func (e *Executor) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case t := <-e.queue:
			err := e.runTask(t)
			t.result <- err
			close(t.result)
		}
	}
}

// runTask executes one task with panic recovery; extension faults must stay
// values, never crash the host.
func (e *Executor) runTask(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("sandbox: task panic")
			}
		}
	}()
	return t.fn(e.vm)
}

// drain fails any queued tasks with the given error.
func (e *Executor) drain(err error) {
	for {
		select {
		case t := <-e.queue:
			t.result <- err
			close(t.result)
		default:
			return
		}
	}
}

// Execute runs fn on the VM goroutine and blocks until it completes, the
// context expires, or the executor closes. Blocking is bounded by the
// caller's context; the per-call Lua timeout lives inside the VM call.
func (e *Executor) Execute(ctx context.Context, fn func(vm *VM) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	t := &task{fn: fn, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- t:
	}

	select {
	case <-ctx.Done():
		// The task stays queued and will still run; the caller stops waiting.
		return ctx.Err()
	case err, ok := <-t.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// ExecuteAsync queues fn without waiting. Used for fire-and-forget event
// delivery into the instance.
func (e *Executor) ExecuteAsync(fn func(vm *VM) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	t := &task{fn: fn, result: make(chan error, 1)}

	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- t:
		go func() {
			<-t.result // prevent goroutine leak
		}()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. Queued tasks fail with ErrExecutorClosed.
// Blocks until the VM goroutine has exited.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	e.wg.Wait()
}

// Closed reports whether the executor has been closed.
func (e *Executor) Closed() bool {
	return e.closed.Load()
}
