package automation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/reply"
)

func TestMemoryQueueRunsJobs(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(nil, 2, 8, time.Second)
	var handled atomic.Int32
	done := make(chan struct{}, 3)
	if err := q.Start(context.Background(), func(_ context.Context, job Job) error {
		handled.Add(1)
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), Job{ConversationID: "c", MessageID: string(rune('a' + i))}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handled.Load() != 3 {
		t.Fatalf("expected 3 handled jobs, got %d", handled.Load())
	}
	if err := q.Enqueue(context.Background(), Job{ConversationID: "c", MessageID: "z"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after stop, got %v", err)
	}
}

func TestMemoryQueueFullFailsFast(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(nil, 1, 1, 0)
	job := Job{ConversationID: "c", MessageID: "m"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), job); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one buffered job, got %d", q.Len())
	}
}

func TestMemoryQueueStopDrainsBuffered(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(nil, 1, 4, 0)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), Job{ConversationID: "c", MessageID: string(rune('a' + i))}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	var handled atomic.Int32
	if err := q.Start(context.Background(), func(context.Context, Job) error {
		handled.Add(1)
		return errors.New("logged, not retried")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handled.Load() != 3 {
		t.Fatalf("expected buffered jobs to drain, got %d", handled.Load())
	}
}

func TestMemoryQueueSurvivesPanics(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(nil, 1, 4, 0)
	var handled atomic.Int32
	if err := q.Start(context.Background(), func(_ context.Context, job Job) error {
		handled.Add(1)
		if job.MessageID == "boom" {
			panic("boom")
		}
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = q.Enqueue(context.Background(), Job{ConversationID: "c", MessageID: "boom"})
	_ = q.Enqueue(context.Background(), Job{ConversationID: "c", MessageID: "ok"})
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if handled.Load() != 2 {
		t.Fatalf("expected worker to continue after panic, got %d", handled.Load())
	}
}

func TestJobValidateAndCodec(t *testing.T) {
	t.Parallel()

	if err := (Job{MessageID: "m"}).Validate(); err == nil {
		t.Fatalf("expected missing conversation id to fail")
	}
	if err := NewMemoryQueue(nil, 1, 1, 0).Enqueue(context.Background(), Job{ConversationID: "c"}); err == nil {
		t.Fatalf("expected invalid job to be rejected")
	}

	job := Job{ConversationID: "c1", MessageID: "m1", Content: "hi", Channel: conversation.ChannelSMS, ReplyTarget: "+254700000001"}
	encoded, err := encodeJob(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeJob(map[string]any{"data": encoded})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ReplyTarget != job.ReplyTarget || decoded.Channel != job.Channel {
		t.Fatalf("unexpected decoded job: %+v", decoded)
	}
	if _, err := decodeJob(map[string]any{"other": "x"}); err == nil {
		t.Fatalf("expected error for entry without data")
	}
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) || isBusyGroup(errors.New("NOGROUP")) {
		t.Fatalf("unexpected BUSYGROUP detection")
	}
}

type stubGenerator struct {
	out *reply.Reply
	err error
}

func (s stubGenerator) GenerateReply(context.Context, reply.Request) (*reply.Reply, error) {
	return s.out, s.err
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (r *recordingSaver) SaveAIReply(_ context.Context, conversationID, content, aiRunID string) (conversation.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return conversation.Message{}, r.err
	}
	r.saved = append(r.saved, content)
	return conversation.Message{ConversationID: conversationID, Content: content, Sender: conversation.SenderAI}, nil
}

type recordingDeliverer struct {
	targets []string
	err     error
}

func (r *recordingDeliverer) DeliverReply(_ context.Context, _, target, _ string) error {
	r.targets = append(r.targets, target)
	return r.err
}

func TestWorkerHandle(t *testing.T) {
	t.Parallel()

	job := Job{ConversationID: "c", MessageID: "m", ReplyTarget: "+254700000001"}

	t.Run("replies and delivers", func(t *testing.T) {
		t.Parallel()
		saver := &recordingSaver{}
		deliverer := &recordingDeliverer{err: errors.New("provider down")}
		w := NewWorker(nil, stubGenerator{out: &reply.Reply{Reply: "hello", AIRunID: "run"}}, saver, deliverer)
		if err := w.Handle(context.Background(), job); err != nil {
			t.Fatalf("delivery failures must not fail the job: %v", err)
		}
		if len(saver.saved) != 1 || saver.saved[0] != "hello" {
			t.Fatalf("unexpected saved replies: %v", saver.saved)
		}
		if len(deliverer.targets) != 1 || deliverer.targets[0] != "+254700000001" {
			t.Fatalf("unexpected delivery targets: %v", deliverer.targets)
		}
	})

	t.Run("manual mode is a no-op", func(t *testing.T) {
		t.Parallel()
		saver := &recordingSaver{}
		w := NewWorker(nil, stubGenerator{}, saver, nil)
		if err := w.Handle(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(saver.saved) != 0 {
			t.Fatalf("expected nothing saved")
		}
	})

	t.Run("already answered is acknowledged", func(t *testing.T) {
		t.Parallel()
		w := NewWorker(nil, stubGenerator{err: reply.ErrAlreadyAnswered}, &recordingSaver{}, nil)
		if err := w.Handle(context.Background(), job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("upstream failure is returned", func(t *testing.T) {
		t.Parallel()
		upstream := &conversation.UpstreamError{Provider: "llm", Err: errors.New("timeout")}
		w := NewWorker(nil, stubGenerator{err: upstream}, &recordingSaver{}, nil)
		err := w.Handle(context.Background(), job)
		var target *conversation.UpstreamError
		if !errors.As(err, &target) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	})

	t.Run("save failure is returned", func(t *testing.T) {
		t.Parallel()
		w := NewWorker(nil, stubGenerator{out: &reply.Reply{Reply: "hi"}}, &recordingSaver{err: errors.New("db down")}, nil)
		if err := w.Handle(context.Background(), job); err == nil {
			t.Fatalf("expected save failure to surface")
		}
	})
}
