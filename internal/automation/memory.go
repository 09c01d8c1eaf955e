package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is a bounded in-process queue served by a fixed worker pool.
// Delivery is at-most-once: jobs in the buffer are lost on crash.
type MemoryQueue struct {
	logger     *slog.Logger
	workers    int
	jobTimeout time.Duration
	jobs       chan Job

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var _ Runner = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue with the given buffer and pool size.
func NewMemoryQueue(log *slog.Logger, workers, buffer int, jobTimeout time.Duration) *MemoryQueue {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &MemoryQueue{
		logger:     log.With(slog.String("queue", "memory")),
		workers:    workers,
		jobTimeout: jobTimeout,
		jobs:       make(chan Job, buffer),
	}
}

// Enqueue hands the job to the buffer or fails fast when it is full.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool.
func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return errors.New("queue already started")
	}
	q.started = true
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(workerCtx, handler)
	}
	q.logger.Info("automation workers started", slog.Int("workers", q.workers))
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, handler, job)
	}
}

func (q *MemoryQueue) run(ctx context.Context, handler Handler, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("automation job panicked",
				slog.String("conversation_id", job.ConversationID),
				slog.Any("panic", r))
		}
	}()
	jobCtx := ctx
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	if err := handler(jobCtx, job); err != nil {
		q.logger.Warn("automation job failed",
			slog.String("conversation_id", job.ConversationID),
			slog.String("message_id", job.MessageID),
			slog.Any("error", err))
	}
}

// Stop closes the queue and waits for buffered and in-flight jobs until ctx
// expires, then cancels the remaining work.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }
