package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultQueueDepth is the number of script calls an Executor buffers.
const DefaultQueueDepth = 64

// job is one script call waiting for the executor goroutine.
type job struct {
	ctx  context.Context
	fn   func(L *lua.LState) error
	done chan error
}

// Executor owns a script's LState and runs every call against it on one
// goroutine. An LState must never be touched by two goroutines, while a
// plugin's Execute may be called concurrently; the executor queues those
// calls and runs them in arrival order.
type Executor struct {
	L *lua.LState

	jobs    chan job
	stop    chan struct{}
	stopped chan struct{}

	closed   atomic.Bool
	stopOnce sync.Once
}

// NewExecutor creates an executor for L. depth <= 0 uses
// DefaultQueueDepth.
func NewExecutor(L *lua.LState, depth int) *Executor {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Executor{
		L:       L,
		jobs:    make(chan job, depth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run executes queued calls until ctx is done or Close is called. Calls
// still queued at that point fail with the reason.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.fail(ctx.Err())
			return
		case <-e.stop:
			e.fail(ErrExecutorClosed)
			return
		case j := <-e.jobs:
			j.done <- e.run(j)
		}
	}
}

// run executes one job. A job whose caller stopped waiting is skipped;
// a panic becomes an error.
func (e *Executor) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return j.fn(e.L)
}

func (e *Executor) fail(reason error) {
	for {
		select {
		case j := <-e.jobs:
			j.done <- reason
		default:
			return
		}
	}
}

// Do queues fn and waits for its result. When ctx ends first, Do returns
// ctx.Err() at once; fn is skipped if it has not started, otherwise it
// keeps running and is expected to observe ctx through the LState.
func (e *Executor) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-e.stop:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		// Queued after Run drained; nobody will answer.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// Close stops Run after the current call. It is safe to call more than
// once.
func (e *Executor) Close() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
	})
}

// Stopped is closed once Run has returned.
func (e *Executor) Stopped() <-chan struct{} {
	return e.stopped
}

// IsClosed reports whether Close has been called.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
