package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned for work submitted to a closed executor.
var ErrClosed = errors.New("executor closed")

const (
	taskPending int32 = iota
	taskRunning
	taskCanceled
)

type task struct {
	fn     func() error
	result chan error
	state  atomic.Int32
}

// Executor runs submitted closures one at a time, in submission order, on
// a single goroutine. Everything that touches the chip goes through it.
type Executor struct {
	tasks chan *task
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	log   *zap.Logger
}

// NewExecutor starts an executor whose queue holds depth pending tasks.
func NewExecutor(depth int, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		tasks: make(chan *task, depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
	go e.run()
	return e
}

// Do queues fn and waits for its result. If ctx ends before fn starts, fn
// is skipped and ctx's error returned; once started, fn runs to completion.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	t := &task{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.stop:
		return ErrClosed
	default:
	}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrClosed
	}
	return e.wait(ctx, t)
}

// wait collects the result of a queued task. A task queued after the worker
// drained its queue is never run and fails with ErrClosed.
func (e *Executor) wait(ctx context.Context, t *task) error {
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskCanceled) {
			return ctx.Err()
		}
		return <-t.result
	case <-e.done:
		select {
		case err := <-t.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Post queues fn without waiting. It reports false if the queue is full or
// the executor is closed.
func (e *Executor) Post(fn func()) bool {
	t := &task{fn: func() error { fn(); return nil }, result: make(chan error, 1)}
	select {
	case <-e.stop:
		return false
	default:
	}
	select {
	case e.tasks <- t:
		return true
	default:
		return false
	}
}

// Close stops the worker after the running task; queued tasks fail with
// ErrClosed.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.stop)
	})
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case t := <-e.tasks:
			e.exec(t)
		case <-e.stop:
			for {
				select {
				case t := <-e.tasks:
					t.result <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) exec(t *task) {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			t.result <- fmt.Errorf("task panicked: %v", r)
		}
	}()
	t.result <- t.fn()
}
