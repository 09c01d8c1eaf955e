// Package ingest is the message ingestion pipeline: it deduplicates inbound
// messages, resolves the owning client and conversation, persists the
// message, fans it out and schedules automated replies.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chatdesk/chatdesk/internal/automation"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/metrics"
)

// Pipeline ingests messages from every channel.
type Pipeline struct {
	store    conversation.Store
	fanout   Fanout
	queue    automation.Queue
	outbound Outbound
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	// autoReply gates enqueueing for auto mode conversations.
	autoReply bool
}

// NewPipeline creates a Pipeline. fanout and queue may be nil.
func NewPipeline(log *slog.Logger, store conversation.Store, fanout Fanout, queue automation.Queue) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if fanout == nil {
		fanout = nopFanout{}
	}
	return &Pipeline{
		store:     store,
		fanout:    fanout,
		queue:     queue,
		autoReply: true,
		validate:  newValidator(),
		logger:    log.With(slog.String("service", "ingest")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetOutbound sets the optional provider delivery used for replies.
func (p *Pipeline) SetOutbound(o Outbound) {
	p.outbound = o
}

// SetAutoReply turns automated replies on or off. With them off, auto mode
// messages are stored and fanned out but never queued.
func (p *Pipeline) SetAutoReply(enabled bool) {
	p.autoReply = enabled
}

// Ingest runs one envelope through the pipeline.
func (p *Pipeline) Ingest(ctx context.Context, env Envelope) (Result, error) {
	if err := validateStruct(p.validate, env); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(env.Message.Content) == "" {
		return Result{}, conversation.NewValidationError("message.content", "required")
	}
	channel, err := conversation.ParseChannel(env.Message.Channel)
	if err != nil {
		return Result{}, err
	}
	sender, err := conversation.ParseSender(env.Message.Sender)
	if err != nil {
		return Result{}, err
	}

	if res, ok, err := p.lookupDuplicate(ctx, env.Message.ExternalID); err != nil || ok {
		if ok {
			metrics.RecordIngest(string(channel), StatusDuplicate)
		}
		return res, err
	}

	conv, err := p.resolveConversation(ctx, env, channel)
	if err != nil {
		return Result{}, err
	}
	return p.persist(ctx, conv, sender, env.Message.Content, env.Message.ExternalID, env.ReplyTarget)
}

// IngestForCompany accepts a web widget message addressed by a company's
// anchor token.
func (p *Pipeline) IngestForCompany(ctx context.Context, anchorToken string, req AnchorRequest) (Result, error) {
	if err := validateStruct(p.validate, req); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, conversation.NewValidationError("message", "required")
	}
	company, err := p.store.GetCompanyByAnchorToken(ctx, strings.TrimSpace(anchorToken))
	if err != nil {
		return Result{}, err
	}
	if company.Status != conversation.CompanyActive {
		return Result{}, fmt.Errorf("company %s is %s: %w", company.ID, company.Status, conversation.ErrForbidden)
	}
	channel := conversation.ChannelWeb
	if strings.TrimSpace(req.Channel) != "" {
		if channel, err = conversation.ParseChannel(req.Channel); err != nil {
			return Result{}, err
		}
	}

	client, err := p.store.FindOrCreateClient(ctx, conversation.ClientLookup{
		CompanyID:  company.ID,
		Name:       req.ClientName,
		Email:      req.ClientEmail,
		Phone:      req.ClientPhone,
		EmailFirst: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolve client: %w", err)
	}
	conv, err := p.store.FindOrCreateLiveConversation(ctx, client.ID, company.ID, channel)
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation: %w", err)
	}
	return p.persist(ctx, conv, conversation.SenderClient, req.Message, "", "")
}

func (p *Pipeline) lookupDuplicate(ctx context.Context, externalID string) (Result, bool, error) {
	if strings.TrimSpace(externalID) == "" {
		return Result{}, false, nil
	}
	existing, err := p.store.GetMessageByExternalID(ctx, externalID)
	if errors.Is(err, conversation.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup external id: %w", err)
	}
	return Result{Status: StatusDuplicate, MessageID: existing.ID}, true, nil
}

// resolveConversation finds the conversation an envelope belongs to,
// creating the client and conversation when needed.
func (p *Pipeline) resolveConversation(ctx context.Context, env Envelope, channel conversation.Channel) (conversation.Conversation, error) {
	if env.Conversation != nil && strings.TrimSpace(env.Conversation.ID) != "" {
		conv, err := p.store.GetConversation(ctx, strings.TrimSpace(env.Conversation.ID))
		if err != nil {
			return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", env.Conversation.ID, err)
		}
		return conv, nil
	}
	client, err := p.resolveClient(ctx, env.Client)
	if err != nil {
		return conversation.Conversation{}, err
	}
	conv, err := p.store.FindOrCreateLiveConversation(ctx, client.ID, client.CompanyID, channel)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}
	return conv, nil
}

func (p *Pipeline) resolveClient(ctx context.Context, in *ClientInput) (conversation.Client, error) {
	if in == nil {
		in = &ClientInput{}
	}
	if id := strings.TrimSpace(in.ID); id != "" {
		client, err := p.store.GetClient(ctx, id)
		if err != nil {
			return conversation.Client{}, fmt.Errorf("client %s: %w", id, err)
		}
		return client, nil
	}
	client, err := p.store.FindOrCreateClient(ctx, conversation.ClientLookup{
		Name:   in.Name,
		Email:  in.Email,
		Phone:  in.Phone,
		Handle: in.Handle,
	})
	if err != nil {
		return conversation.Client{}, fmt.Errorf("resolve client: %w", err)
	}
	return client, nil
}

// persist stores the message and runs the side effects.
func (p *Pipeline) persist(ctx context.Context, conv conversation.Conversation, sender conversation.Sender, content, externalID, replyTarget string) (Result, error) {
	msg, err := p.store.CreateMessage(ctx, conversation.Message{
		ConversationID: conv.ID,
		Sender:         sender,
		Content:        content,
		ExternalID:     strings.TrimSpace(externalID),
	})
	if errors.Is(err, conversation.ErrDuplicate) {
		// lost a race with a concurrent delivery of the same external id
		metrics.RecordIngest(string(conv.Channel), StatusDuplicate)
		return Result{Status: StatusDuplicate, MessageID: msg.ID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("persist message: %w", err)
	}
	if err := p.store.TouchConversation(ctx, conv.ID, p.now()); err != nil {
		p.logger.Warn("touch conversation failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}

	p.fanout.EmitNewMessage(conv.ID, msg)
	metrics.RecordIngest(string(conv.Channel), StatusReceived)

	if conversation.Decide(conv.AIMode, sender) == conversation.ActionAutoReply {
		p.enqueueReply(ctx, conv, msg, replyTarget)
	}

	return Result{
		Status:         StatusReceived,
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		AIMode:         conv.AIMode,
	}, nil
}

func (p *Pipeline) enqueueReply(ctx context.Context, conv conversation.Conversation, msg conversation.Message, replyTarget string) {
	if p.queue == nil || !p.autoReply {
		return
	}
	err := p.queue.Enqueue(ctx, automation.Job{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		Channel:        conv.Channel,
		ReplyTarget:    replyTarget,
		EnqueuedAt:     p.now(),
	})
	if err != nil {
		metrics.RecordAutoReply("enqueue_failed")
		p.logger.Error("enqueue auto reply failed",
			slog.String("conversation_id", conv.ID),
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
	}
}
