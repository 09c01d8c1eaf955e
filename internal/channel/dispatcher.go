package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

const defaultEmailSubject = "Re: your message"

// Dispatcher routes replies to the adapter of the conversation's channel.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(log *slog.Logger, registry *Registry) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   log.With(slog.String("service", "dispatcher")),
	}
}

// Deliver sends content to the client of detail. A blank target is derived
// from the client record. Web conversations have no provider and are a no-op.
func (d *Dispatcher) Deliver(ctx context.Context, detail conversation.ConversationDetail, target, content string) error {
	if detail.Channel == conversation.ChannelWeb {
		return nil
	}
	ct := ChannelType(detail.Channel)
	adapter, ok := d.registry.Get(ct)
	if !ok {
		return fmt.Errorf("%s: %w", ct, ErrNoSender)
	}
	sender, ok := adapter.(Sender)
	if !ok {
		return fmt.Errorf("%s: %w", ct, ErrNoSender)
	}
	desc := adapter.Descriptor()

	target = strings.TrimSpace(target)
	if target == "" {
		target = ResolveTarget(desc.Target, detail.Client)
	}
	if target == "" {
		return fmt.Errorf("%s conversation %s: %w", ct, detail.ID, ErrNoTarget)
	}

	chunks := SplitText(content, desc.MaxTextLength)
	if len(chunks) == 0 {
		return nil
	}
	for i, text := range chunks {
		msg := OutboundMessage{Target: target, Text: text}
		if ct == TypeEmail {
			msg.Subject = defaultEmailSubject
		}
		if err := sender.Send(ctx, msg); err != nil {
			return fmt.Errorf("%s send part %d/%d: %w", ct, i+1, len(chunks), err)
		}
	}
	d.logger.Debug("reply delivered",
		slog.String("channel", ct.String()),
		slog.String("conversation_id", detail.ID),
		slog.Int("parts", len(chunks)))
	return nil
}

// ResolveTarget picks the client attribute for kind.
func ResolveTarget(kind TargetKind, client conversation.Client) string {
	switch kind {
	case TargetPhone:
		return strings.TrimSpace(client.Phone)
	case TargetEmail:
		return strings.TrimSpace(client.Email)
	case TargetHandle:
		return strings.TrimSpace(HandleID(client.Handle))
	default:
		return ""
	}
}
