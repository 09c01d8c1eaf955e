package channel

import (
	"strings"
	"time"

	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/ingest"
)

// ChannelType identifies a messaging provider integration.
type ChannelType string

// Supported channel types. They share names with conversation channels.
const (
	TypeWhatsApp  ChannelType = "whatsapp"
	TypeFacebook  ChannelType = "facebook"
	TypeInstagram ChannelType = "instagram"
	TypeSMS       ChannelType = "sms"
	TypeTelegram  ChannelType = "telegram"
	TypeEmail     ChannelType = "email"
)

func (c ChannelType) String() string {
	return string(c)
}

// Conversation returns the conversation channel for this type.
func (c ChannelType) Conversation() conversation.Channel {
	return conversation.Channel(c)
}

// TargetKind says which client attribute an adapter delivers to.
type TargetKind string

const (
	TargetPhone  TargetKind = "phone"
	TargetEmail  TargetKind = "email"
	TargetHandle TargetKind = "handle"
)

// Identity is the sender as reported by the provider.
type Identity struct {
	Name  string
	Phone string
	Email string
	// Handle is a provider scoped id, e.g. "telegram:12345".
	Handle string
}

// InboundMessage is the canonical form every adapter emits.
type InboundMessage struct {
	Channel    ChannelType
	ExternalID string
	Sender     Identity
	Text       string
	// ReplyTarget is the provider address replies go to.
	ReplyTarget string
	ReceivedAt  time.Time
}

// Envelope converts the message into an ingestion request.
func (m InboundMessage) Envelope() ingest.Envelope {
	return ingest.Envelope{
		Client: &ingest.ClientInput{
			Name:   strings.TrimSpace(m.Sender.Name),
			Phone:  strings.TrimSpace(m.Sender.Phone),
			Email:  strings.TrimSpace(m.Sender.Email),
			Handle: strings.TrimSpace(m.Sender.Handle),
		},
		Message: ingest.MessageInput{
			Content:    m.Text,
			Sender:     string(conversation.SenderClient),
			Channel:    m.Channel.String(),
			ExternalID: m.ExternalID,
		},
		ReplyTarget: m.ReplyTarget,
	}
}

// OutboundMessage is a text reply to one recipient.
type OutboundMessage struct {
	Target  string
	Text    string
	Subject string
}

// HandleFor builds a provider scoped client handle.
func HandleFor(ct ChannelType, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return ct.String() + ":" + id
}

// HandleID strips the channel prefix from a handle.
func HandleID(handle string) string {
	if _, id, ok := strings.Cut(handle, ":"); ok {
		return id
	}
	return handle
}
