package ingest

import (
	"context"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

// Result statuses.
const (
	StatusReceived  = "received"
	StatusDuplicate = "duplicate"
)

// ClientInput identifies the author of an inbound message.
type ClientInput struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty" validate:"omitempty,min=1"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=3"`
	// Handle is a provider scoped id set by channel adapters.
	Handle string `json:"handle,omitempty"`
}

// ConversationRef pins the message to an existing conversation.
type ConversationRef struct {
	ID string `json:"id,omitempty"`
}

// MessageInput is the message being ingested.
type MessageInput struct {
	Content    string `json:"content" validate:"required,min=1"`
	Sender     string `json:"sender" validate:"required,oneof=client agent ai"`
	Channel    string `json:"channel" validate:"required,oneof=whatsapp instagram facebook sms telegram email web"`
	ExternalID string `json:"externalId,omitempty"`
}

// Envelope is the canonical ingestion request shared by every entry point.
type Envelope struct {
	Client       *ClientInput     `json:"client,omitempty"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
	Message      MessageInput     `json:"message"`
	// ReplyTarget is the provider address used for automated replies.
	ReplyTarget string `json:"-"`
}

// AnchorRequest is the public web widget payload.
type AnchorRequest struct {
	ClientName  string `json:"clientName,omitempty"`
	ClientEmail string `json:"clientEmail,omitempty" validate:"omitempty,email"`
	ClientPhone string `json:"clientPhone,omitempty" validate:"omitempty,min=3"`
	Message     string `json:"message" validate:"required,min=1"`
	Channel     string `json:"channel,omitempty" validate:"omitempty,oneof=whatsapp instagram facebook sms telegram email web"`
}

// Result reports what ingestion did.
type Result struct {
	Status         string              `json:"status"`
	ClientID       string              `json:"clientId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	MessageID      string              `json:"messageId"`
	AIMode         conversation.AIMode `json:"aiMode,omitempty"`
}

// PatchInput is an agent change to a conversation. Nil fields are untouched.
type PatchInput struct {
	Status       *string `json:"status,omitempty"`
	AIMode       *string `json:"aiMode,omitempty"`
	AssignedToID *string `json:"assignedToId,omitempty"`
}

// Fanout pushes changes to connected agent sessions.
type Fanout interface {
	EmitNewMessage(conversationID string, msg conversation.Message)
	EmitConversationUpdate(conv conversation.Conversation)
	EmitTyping(conversationID, userID string, isTyping bool)
}

// Outbound delivers a reply to the client's provider.
type Outbound interface {
	Deliver(ctx context.Context, detail conversation.ConversationDetail, target, content string) error
}

type nopFanout struct{}

func (nopFanout) EmitNewMessage(string, conversation.Message)      {}
func (nopFanout) EmitConversationUpdate(conversation.Conversation) {}
func (nopFanout) EmitTyping(string, string, bool)                  {}
