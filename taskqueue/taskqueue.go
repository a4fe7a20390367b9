// Package taskqueue serializes asynchronous tasks. Tasks run one at a time in
// the order they were enqueued, and the failure of one task does not affect
// the tasks queued after it.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
)

// Task is a unit of work run by a Queue. The context is the context given
// when the task was enqueued.
type Task func(ctx context.Context) error

// Queue runs tasks one at a time in the order they are enqueued.
//
// All functions of the Queue are safe to call from multiple goroutines.
type Queue struct {
	// mu is a lock for the mutable fields of this type.
	mu sync.Mutex

	last *Handle
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Handle is the pending result of an enqueued task.
type Handle struct {
	done chan struct{}
	err  error
	// released is closed when the task has finished or has been skipped
	// and every task enqueued before it has finished. The next task starts
	// once it is closed.
	released chan struct{}
}

// Done returns a channel that is closed when the task has finished, or will
// never run because its context was done before it started. A task whose
// context is done while it waits for earlier tasks is done immediately.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Err returns the result of the task. It is nil until the task has finished.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait waits for the task to finish and returns its result, or returns the
// error of ctx if ctx is done first. A task whose Wait is abandoned keeps
// its place in the queue and still runs.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue adds the task to the end of the queue. The task starts once every
// task enqueued before it has finished. If ctx is done before the task
// starts the task is skipped and its handle resolves with the error of ctx
// without waiting for the earlier tasks.
func (q *Queue) Enqueue(ctx context.Context, task Task) *Handle {
	h := &Handle{done: make(chan struct{}), released: make(chan struct{})}

	q.mu.Lock()
	prev := q.last
	q.last = h
	q.mu.Unlock()

	go func() {
		defer close(h.released)
		if prev != nil {
			select {
			case <-prev.released:
			case <-ctx.Done():
				h.finish(ctx.Err())
				// The tasks enqueued after this one still wait for prev.
				<-prev.released
				return
			}
		}
		if err := ctx.Err(); err != nil {
			h.finish(err)
			return
		}
		h.finish(run(ctx, task))
	}()
	return h
}

// Drain waits for every task enqueued before the call to finish. The
// results of the tasks are not returned, only the error of ctx if ctx is
// done first.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	last := q.last
	q.mu.Unlock()
	if last == nil {
		return nil
	}
	select {
	case <-last.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}
