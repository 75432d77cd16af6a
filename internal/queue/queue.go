package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xhaka/xhaka/internal/metrics"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Task is a unit of work. ctx is cancelled when the queue is stopped hard.
type Task func(ctx context.Context)

// Queue is a bounded task queue drained by a fixed pool of workers.
type Queue struct {
	tasks   chan Task
	workers int
	log     zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a Queue holding up to size pending tasks for the given number of workers.
func New(size, workers int, log zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		tasks:   make(chan Task, size),
		workers: workers,
		log:     log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds a task without blocking.
func (q *Queue) Enqueue(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.QueueRejected.WithLabelValues("closed").Inc()
		return ErrQueueClosed
	}
	select {
	case q.tasks <- t:
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	default:
		metrics.QueueRejected.WithLabelValues("full").Inc()
		return fmt.Errorf("%w: %d tasks pending", ErrQueueFull, cap(q.tasks))
	}
}

// Start launches the workers. Tasks receive ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for i := range q.workers {
		q.wg.Add(1)
		go q.runWorker(ctx, i)
	}
	q.log.Info().Int("workers", q.workers).Int("capacity", cap(q.tasks)).Msg("queue started")
}

// Shutdown stops intake and waits until every accepted task has run, or
// until ctx is done.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// runWorker is a worker loop: dequeues tasks until the queue is closed and empty.
func (q *Queue) runWorker(ctx context.Context, id int) {
	defer q.wg.Done()
	for t := range q.tasks {
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		q.run(ctx, id, t)
	}
}

func (q *Queue) run(ctx context.Context, id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Int("worker", id).Interface("panic", r).Msg("task panicked")
		}
	}()
	t(ctx)
}
