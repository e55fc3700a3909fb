package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type jobResult struct {
	v   any
	err error
}

type job struct {
	run  func(ctx context.Context) (any, error)
	done chan jobResult
}

// worker runs jobs one at a time on a single goroutine. Jobs run under the
// worker's context: a caller that stops waiting does not cancel its job.
type worker struct {
	jobs    chan job
	stopped chan struct{}
	once    sync.Once
	busy    atomic.Bool
	onDepth func(int)
}

func newWorker(queue int, onDepth func(int)) *worker {
	if onDepth == nil {
		onDepth = func(int) {}
	}
	return &worker{
		jobs:    make(chan job, queue),
		stopped: make(chan struct{}),
		onDepth: onDepth,
	}
}

// run blocks until ctx is done, then fails every queued job.
func (w *worker) run(ctx context.Context) {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			if ctx.Err() != nil {
				j.done <- jobResult{err: ErrQueueClosed}
				return
			}
			w.onDepth(len(w.jobs))
			w.busy.Store(true)
			v, err := w.exec(ctx, j)
			w.busy.Store(false)
			j.done <- jobResult{v: v, err: err}
		}
	}
}

func (w *worker) exec(ctx context.Context, j job) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(CategoryInternal, "browser worker panicked", panicError{r})
		}
	}()
	return j.run(ctx)
}

func (w *worker) stop() {
	w.once.Do(func() {
		close(w.stopped)
		for {
			select {
			case j := <-w.jobs:
				j.done <- jobResult{err: ErrQueueClosed}
			default:
				w.onDepth(0)
				return
			}
		}
	})
}

// submit queues fn and waits for its result or for ctx.
func submit[T any](ctx context.Context, w *worker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	j := job{
		run:  func(ctx context.Context) (any, error) { return fn(ctx) },
		done: make(chan jobResult, 1),
	}

	select {
	case <-w.stopped:
		return zero, ErrQueueClosed
	default:
	}
	select {
	case w.jobs <- j:
		w.onDepth(len(w.jobs))
	case <-w.stopped:
		return zero, ErrQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	var r jobResult
	select {
	case r = <-j.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stopped:
		// A job queued after the final drain is never picked up.
		select {
		case r = <-j.done:
		default:
			return zero, ErrQueueClosed
		}
	}
	if r.err != nil {
		return zero, r.err
	}
	v, _ := r.v.(T)
	return v, nil
}

// queued returns the number of waiting jobs.
func (w *worker) queued() int { return len(w.jobs) }

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }
