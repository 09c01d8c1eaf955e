package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/metrics"
	"github.com/chatdesk/chatdesk/internal/reply"
)

// ReplyGenerator produces assistant replies.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req reply.Request) (*reply.Reply, error)
}

// ReplySaver persists an AI reply and fans it out.
type ReplySaver interface {
	SaveAIReply(ctx context.Context, conversationID, content, aiRunID string) (conversation.Message, error)
}

// Deliverer sends a persisted reply to the client's provider.
type Deliverer interface {
	DeliverReply(ctx context.Context, conversationID, replyTarget, content string) error
}

// Worker answers auto-mode client messages.
type Worker struct {
	generator ReplyGenerator
	saver     ReplySaver
	deliverer Deliverer
	logger    *slog.Logger
}

// NewWorker creates a Worker. deliverer may be nil.
func NewWorker(log *slog.Logger, generator ReplyGenerator, saver ReplySaver, deliverer Deliverer) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		generator: generator,
		saver:     saver,
		deliverer: deliverer,
		logger:    log.With(slog.String("service", "automation")),
	}
}

// Handle is the queue Handler. A returned error leaves redis entries pending.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	log := w.logger.With(
		slog.String("conversation_id", job.ConversationID),
		slog.String("message_id", job.MessageID))

	out, err := w.generator.GenerateReply(ctx, reply.Request{
		ConversationID:  job.ConversationID,
		IncomingContent: job.Content,
		SourceMessageID: job.MessageID,
	})
	switch {
	case errors.Is(err, reply.ErrAlreadyAnswered):
		metrics.RecordAutoReply("duplicate")
		log.Debug("message already answered")
		return nil
	case errors.Is(err, conversation.ErrNotFound):
		metrics.RecordAutoReply("not_found")
		log.Warn("conversation disappeared before reply")
		return nil
	case err != nil:
		metrics.RecordAutoReply("error")
		return fmt.Errorf("generate reply: %w", err)
	case out == nil:
		// mode switched to manual after the job was queued
		metrics.RecordAutoReply("skipped")
		log.Debug("conversation no longer in auto mode")
		return nil
	case out.Reply == "":
		metrics.RecordAutoReply("empty")
		log.Warn("llm returned an empty reply", slog.String("ai_run_id", out.AIRunID))
		return nil
	}

	if _, err := w.saver.SaveAIReply(ctx, job.ConversationID, out.Reply, out.AIRunID); err != nil {
		metrics.RecordAutoReply("error")
		return fmt.Errorf("save ai reply: %w", err)
	}
	metrics.RecordAutoReply("replied")

	if w.deliverer != nil {
		if err := w.deliverer.DeliverReply(ctx, job.ConversationID, job.ReplyTarget, out.Reply); err != nil {
			log.Warn("outbound delivery failed", slog.Any("error", err))
		}
	}
	return nil
}
