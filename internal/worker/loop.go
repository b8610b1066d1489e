// Package worker runs tasks on one dedicated background goroutine and lets
// synchronous callers block on the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned for tasks submitted to, or pending on, a stopped loop.
var ErrStopped = errors.New("worker: loop stopped")

// Task is a unit of work executed on the loop goroutine.
type Task func(ctx context.Context) (any, error)

// Future is the pending result of a submitted Task.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Wait blocks until the task finished or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

type job struct {
	task   Task
	future *Future
}

// Loop executes tasks one at a time, in submission order.
type Loop struct {
	tasks  chan job
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLoop starts the loop goroutine. buffer bounds how many tasks may wait
// before Submit blocks.
func NewLoop(buffer int) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		tasks:  make(chan job, buffer),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case j := <-l.tasks:
			l.execute(j)
		}
	}
}

func (l *Loop) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			j.future.resolve(nil, fmt.Errorf("worker: task panicked: %v", r))
		}
	}()
	v, err := j.task(l.ctx)
	j.future.resolve(v, err)
}

func (l *Loop) drain() {
	for {
		select {
		case j := <-l.tasks:
			j.future.resolve(nil, ErrStopped)
		default:
			return
		}
	}
}

// Submit queues task and returns its future.
func (l *Loop) Submit(task Task) *Future {
	f := newFuture()
	select {
	case <-l.stop:
		f.resolve(nil, ErrStopped)
		return f
	default:
	}
	select {
	case l.tasks <- job{task: task, future: f}:
	case <-l.stop:
		f.resolve(nil, ErrStopped)
	}
	return f
}

// Stop cancels the running task's context, fails pending tasks and waits for
// the goroutine to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.cancel()
		close(l.stop)
	})
	<-l.exited
}

// Do submits fn and blocks the caller until it completes.
func Do[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	f := l.Submit(func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero T
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("worker: unexpected result type %T", v)
	}
	return out, nil
}
