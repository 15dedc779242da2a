/*

Package tasks runs best-effort background work: unpinning content,
re-wrapping keys for share recipients, delivering outbox messages.
These jobs ride behind a primary operation that has already succeeded,
so a failure here is retried and logged -- it must never roll the
primary operation back or surface as its error.

*/
package tasks

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defMaxRetries = 5
	defBackoff    = 250 * time.Millisecond
)

// Task is one unit of background work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

type item struct {
	task    Task
	attempt int
}

// Queue is a single-worker retry queue.  Failed tasks back off
// geometrically; after MaxRetries they are logged and dropped.
type Queue struct {
	MaxRetries int
	Backoff    time.Duration

	ch   chan item
	done chan struct{}
	idle chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		MaxRetries: defMaxRetries,
		Backoff:    defBackoff,
		ch:         make(chan item, 256),
		done:       make(chan struct{}),
	}
}

// Start launches the worker.  It runs until ctx is done and the
// channel drains.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Enqueue schedules a task.  Never blocks the caller's success path:
// if the queue is full the task is dropped and logged.
func (q *Queue) Enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case q.ch <- item{task: Task{Name: name, Fn: fn}}:
	default:
		log.Warnf("task queue full, dropping %s", name)
	}
}

// Drain processes everything currently queued, synchronously.  For
// use by tests and by shutdown paths.
func (q *Queue) Drain(ctx context.Context) {
	for {
		select {
		case it := <-q.ch:
			q.attempt(ctx, it)
		default:
			return
		}
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.ch:
			q.attempt(ctx, it)
		}
	}
}

func (q *Queue) attempt(ctx context.Context, it item) {
	for {
		err := it.task.Fn(ctx)
		if err == nil {
			return
		}
		it.attempt++
		if it.attempt > q.MaxRetries {
			// give up; this is best-effort by contract
			log.Warnf("task %s failed after %d attempts: %v", it.task.Name, it.attempt, err)
			return
		}
		backoff := q.Backoff << uint(it.attempt-1)
		log.Debugf("task %s attempt %d failed, retrying in %v: %v", it.task.Name, it.attempt, backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
