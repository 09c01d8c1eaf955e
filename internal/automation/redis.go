package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatdesk/chatdesk/internal/metrics"
)

const (
	redisReadCount       = 10
	defaultReadBlock     = 5 * time.Second
	defaultClaimInterval = 30 * time.Second
	defaultClaimMinIdle  = time.Minute
	defaultMaxDeliveries = 5
)

// RedisQueue publishes jobs to a Redis stream and consumes them through a
// consumer group. Delivery is at-least-once: an entry is acknowledged only
// after the handler succeeds. Each worker replays its own pending entries
// once when it starts, and a sweep reclaims entries left idle by failed
// attempts until they reach the delivery cap, after which they are dropped.
type RedisQueue struct {
	client        redis.UniversalClient
	logger        *slog.Logger
	stream        string
	group         string
	consumer      string
	workers       int
	jobTimeout    time.Duration
	readBlock     time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
	maxDeliveries int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Runner = (*RedisQueue)(nil)

// RedisQueueOptions configures a RedisQueue.
type RedisQueueOptions struct {
	Stream     string
	Group      string
	Consumer   string
	Workers    int
	JobTimeout time.Duration
	// ReadBlock bounds one XREADGROUP call. Defaults to 5s.
	ReadBlock time.Duration
	// ClaimInterval is how often failed entries are reclaimed. Defaults to 30s.
	ClaimInterval time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged before it is
	// retried. Defaults to 1m.
	ClaimMinIdle time.Duration
	// MaxDeliveries caps attempts per entry. Defaults to 5.
	MaxDeliveries int
}

// NewRedisQueue creates a stream backed queue.
func NewRedisQueue(log *slog.Logger, client redis.UniversalClient, opts RedisQueueOptions) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	consumer := strings.TrimSpace(opts.Consumer)
	if consumer == "" {
		consumer, _ = os.Hostname()
		if consumer == "" {
			consumer = "chatdesk"
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	q := &RedisQueue{
		client:        client,
		logger:        log.With(slog.String("queue", "redis"), slog.String("stream", opts.Stream)),
		stream:        opts.Stream,
		group:         opts.Group,
		consumer:      consumer,
		workers:       workers,
		jobTimeout:    opts.JobTimeout,
		readBlock:     opts.ReadBlock,
		claimInterval: opts.ClaimInterval,
		claimMinIdle:  opts.ClaimMinIdle,
		maxDeliveries: int64(opts.MaxDeliveries),
	}
	if q.readBlock <= 0 {
		q.readBlock = defaultReadBlock
	}
	if q.claimInterval <= 0 {
		q.claimInterval = defaultClaimInterval
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = defaultClaimMinIdle
	}
	if q.maxDeliveries <= 0 {
		q.maxDeliveries = defaultMaxDeliveries
	}
	return q
}

// Enqueue appends the job to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": payload},
	}).Err(); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Start creates the consumer group and launches the readers.
func (q *RedisQueue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	if err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.started = true
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.consume(workerCtx, fmt.Sprintf("%s-%d", q.consumer, i), handler)
	}
	q.wg.Add(1)
	go q.reclaim(workerCtx, handler)
	q.logger.Info("automation stream consumers started",
		slog.String("group", q.group),
		slog.Int("workers", q.workers))
	return nil
}

func (q *RedisQueue) consume(ctx context.Context, consumer string, handler Handler) {
	defer q.wg.Done()
	// Start at "0" to replay entries delivered to this consumer but never
	// acknowledged. The cursor advances past each replayed entry so a failing
	// one is tried once here and left to the reclaim sweep; an empty replay
	// switches to ">" for new entries.
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, cursor},
			Count:    redisReadCount,
			Block:    q.readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("read stream failed", slog.String("consumer", consumer), slog.Any("error", err))
			sleepCtx(ctx, time.Second)
			continue
		}
		last := ""
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				last = entry.ID
				q.handle(ctx, handler, entry)
			}
		}
		if cursor != ">" {
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

// reclaim periodically retries entries that stayed pending past claimMinIdle,
// including those owned by consumers that no longer run.
func (q *RedisQueue) reclaim(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx, handler)
		}
	}
}

func (q *RedisQueue) sweep(ctx context.Context, handler Handler) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  redisReadCount,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("list pending entries failed", slog.Any("error", err))
		}
		return
	}
	claimer := q.consumer + "-reclaim"
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		if p.Idle < q.claimMinIdle {
			continue
		}
		if p.RetryCount >= q.maxDeliveries {
			metrics.RecordAutoReply("dropped")
			q.logger.Error("drop job after repeated failures",
				slog.String("entry_id", p.ID),
				slog.Int64("deliveries", p.RetryCount))
			q.ack(ctx, p.ID)
			continue
		}
		entries, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: claimer,
			MinIdle:  q.claimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			q.logger.Warn("claim entry failed", slog.String("entry_id", p.ID), slog.Any("error", err))
			continue
		}
		for _, entry := range entries {
			q.handle(ctx, handler, entry)
		}
	}
}

func (q *RedisQueue) handle(ctx context.Context, handler Handler, entry redis.XMessage) {
	job, err := decodeJob(entry.Values)
	if err != nil {
		// poison entry; acknowledge so it does not block the group
		q.logger.Warn("drop undecodable job", slog.String("entry_id", entry.ID), slog.Any("error", err))
		q.ack(ctx, entry.ID)
		return
	}
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
			slog.String("entry_id", entry.ID),
			slog.Any("error", err))
		return
	}
	q.ack(ctx, entry.ID)
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("ack failed", slog.String("entry_id", id), slog.Any("error", err))
	}
}

// Stop cancels the readers and waits for them to exit.
func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
