package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/metrics"
)

const analyticsWindow = 30 * 24 * time.Hour

// SendAgentReply records a human reply and delivers it to the client.
func (p *Pipeline) SendAgentReply(ctx context.Context, conversationID, content, agentID string) (conversation.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return conversation.Message{}, conversation.NewValidationError("content", "required")
	}
	detail, err := p.store.GetConversationDetail(ctx, conversationID)
	if err != nil {
		return conversation.Message{}, err
	}
	msg, err := p.store.CreateMessage(ctx, conversation.Message{
		ConversationID: detail.ID,
		Sender:         conversation.SenderAgent,
		Content:        content,
	})
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persist agent reply: %w", err)
	}
	if err := p.store.TouchConversation(ctx, detail.ID, p.now()); err != nil {
		p.logger.Warn("touch conversation failed", slog.String("conversation_id", detail.ID), slog.Any("error", err))
	}
	p.audit(ctx, agentID, "message.sent", "message", msg.ID, map[string]any{
		"channel": detail.Channel,
		"length":  len(content),
	})
	p.fanout.EmitNewMessage(detail.ID, msg)
	p.deliver(ctx, detail, "", content)
	return msg, nil
}

// SaveAIReply records an assistant reply and links it to its AI run.
func (p *Pipeline) SaveAIReply(ctx context.Context, conversationID, content, aiRunID string) (conversation.Message, error) {
	msg, err := p.store.CreateMessage(ctx, conversation.Message{
		ConversationID: conversationID,
		Sender:         conversation.SenderAI,
		Content:        content,
	})
	if err != nil {
		return conversation.Message{}, fmt.Errorf("persist ai reply: %w", err)
	}
	if aiRunID != "" {
		if err := p.store.AttachAIRunMessage(ctx, aiRunID, msg.ID); err != nil {
			p.logger.Warn("link ai run failed",
				slog.String("conversation_id", conversationID),
				slog.String("ai_run_id", aiRunID),
				slog.Any("error", err))
		}
	}
	if err := p.store.TouchConversation(ctx, conversationID, p.now()); err != nil {
		p.logger.Warn("touch conversation failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
	}
	p.fanout.EmitNewMessage(conversationID, msg)
	return msg, nil
}

// DeliverReply sends content to the conversation's provider. target
// overrides the address derived from the client.
func (p *Pipeline) DeliverReply(ctx context.Context, conversationID, target, content string) error {
	if p.outbound == nil {
		return nil
	}
	detail, err := p.store.GetConversationDetail(ctx, conversationID)
	if err != nil {
		return err
	}
	err = p.outbound.Deliver(ctx, detail, target, content)
	metrics.RecordOutbound(string(detail.Channel), err)
	return err
}

// deliver is the best effort variant used after a reply is already stored.
func (p *Pipeline) deliver(ctx context.Context, detail conversation.ConversationDetail, target, content string) {
	if p.outbound == nil {
		return
	}
	err := p.outbound.Deliver(ctx, detail, target, content)
	metrics.RecordOutbound(string(detail.Channel), err)
	if err != nil {
		p.logger.Warn("outbound delivery failed",
			slog.String("conversation_id", detail.ID),
			slog.String("channel", string(detail.Channel)),
			slog.Any("error", err))
	}
}

// PatchConversation applies an agent change. Assigning an agent moves the
// conversation to human_takeover unless the patch sets a status itself.
func (p *Pipeline) PatchConversation(ctx context.Context, conversationID, actor string, in PatchInput) (conversation.Conversation, error) {
	var patch conversation.ConversationPatch
	if in.Status != nil {
		status, err := conversation.ParseStatus(*in.Status)
		if err != nil {
			return conversation.Conversation{}, err
		}
		patch.Status = &status
	}
	if in.AIMode != nil {
		mode, err := conversation.ParseAIMode(*in.AIMode)
		if err != nil {
			return conversation.Conversation{}, err
		}
		patch.AIMode = &mode
	}
	if in.AssignedToID != nil {
		assignee := strings.TrimSpace(*in.AssignedToID)
		patch.AssignedToID = &assignee
		if assignee != "" && patch.Status == nil {
			takeover := conversation.StatusHumanTakeover
			patch.Status = &takeover
		}
	}
	if patch.Status == nil && patch.AIMode == nil && patch.AssignedToID == nil {
		return conversation.Conversation{}, conversation.NewValidationError("patch", "at least one of status, aiMode or assignedToId is required")
	}

	updated, err := p.store.UpdateConversation(ctx, conversationID, patch)
	if err != nil {
		return conversation.Conversation{}, err
	}
	p.audit(ctx, actor, "conversation.updated", "conversation", conversationID, in)
	p.fanout.EmitConversationUpdate(updated)
	return updated, nil
}

// EmitConversationUpdate forwards a change made elsewhere to the fanout.
func (p *Pipeline) EmitConversationUpdate(conv conversation.Conversation) {
	p.fanout.EmitConversationUpdate(conv)
}

// ListConversations returns conversations, most recently active first.
func (p *Pipeline) ListConversations(ctx context.Context, filter conversation.ConversationFilter) ([]conversation.ConversationDetail, error) {
	filter.Skip, filter.Take = conversation.NormalizePage(filter.Skip, filter.Take)
	return p.store.ListConversations(ctx, filter)
}

// GetConversation returns a conversation with its client.
func (p *Pipeline) GetConversation(ctx context.Context, conversationID string) (conversation.ConversationDetail, error) {
	return p.store.GetConversationDetail(ctx, conversationID)
}

// ListMessages returns a page of messages, oldest first.
func (p *Pipeline) ListMessages(ctx context.Context, conversationID string, skip, take int) ([]conversation.Message, error) {
	if _, err := p.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	skip, take = conversation.NormalizePage(skip, take)
	return p.store.ListMessages(ctx, conversationID, skip, take)
}

// Analytics summarizes the inbox of one company, or of all when companyID is
// empty.
func (p *Pipeline) Analytics(ctx context.Context, companyID string) (conversation.Analytics, error) {
	byStatus, err := p.store.CountConversationsByStatus(ctx, companyID)
	if err != nil {
		return conversation.Analytics{}, fmt.Errorf("count conversations: %w", err)
	}
	byChannel, err := p.store.CountMessagesByChannelSince(ctx, companyID, p.now().Add(-analyticsWindow))
	if err != nil {
		return conversation.Analytics{}, fmt.Errorf("count messages by channel: %w", err)
	}
	bySender, err := p.store.CountMessagesBySender(ctx, companyID)
	if err != nil {
		return conversation.Analytics{}, fmt.Errorf("count messages by sender: %w", err)
	}
	ai := bySender[conversation.SenderAI]
	human := bySender[conversation.SenderAgent]
	return conversation.Analytics{
		ConversationsByStatus: byStatus,
		MessagesByChannel:     byChannel,
		AIVsHumanRatio:        conversation.SenderRatio{AI: ai, Human: human, Total: ai + human},
	}, nil
}

// EmitTyping relays an agent typing indicator.
func (p *Pipeline) EmitTyping(conversationID, userID string, isTyping bool) {
	p.fanout.EmitTyping(conversationID, userID, isTyping)
}

func (p *Pipeline) audit(ctx context.Context, actor, action, resourceType, resourceID string, details any) {
	payload, err := json.Marshal(details)
	if err != nil {
		p.logger.Warn("encode audit details failed", slog.String("action", action), slog.Any("error", err))
		payload = nil
	}
	if err := p.store.CreateAuditLog(ctx, conversation.AuditLog{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      payload,
	}); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("write audit log failed", slog.String("action", action), slog.Any("error", err))
	}
}
