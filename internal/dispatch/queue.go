package dispatch

import (
	"context"
	"time"
)

// TaskQueue is the bounded hand-off between discovery and the worker.
type TaskQueue interface {
	// Put blocks until the task is accepted or the context is done.
	Put(ctx context.Context, task ImageTask) error

	// Get waits up to timeout for a task; ok is false on timeout,
	// cancellation or a closed queue.
	Get(ctx context.Context, timeout time.Duration) (task ImageTask, ok bool)

	// Requeue puts a transiently-failed task back for another attempt.
	Requeue(ctx context.Context, task ImageTask) error

	Len() int

	Close()
}

// MemoryQueue is the default single-process backend: a bounded channel.
type MemoryQueue struct {
	tasks chan ImageTask
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{tasks: make(chan ImageTask, capacity)}
}

func (q *MemoryQueue) Put(ctx context.Context, task ImageTask) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Get(ctx context.Context, timeout time.Duration) (ImageTask, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task, open := <-q.tasks:
		return task, open
	case <-timer.C:
		return ImageTask{}, false
	case <-ctx.Done():
		return ImageTask{}, false
	}
}

func (q *MemoryQueue) Requeue(ctx context.Context, task ImageTask) error {
	return q.Put(ctx, task)
}

func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

func (q *MemoryQueue) Close() {}
