// Package conversation defines the customer conversation domain: clients,
// conversations, messages, AI runs and the rules that govern them.
package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel is the transport a conversation lives on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
	ChannelSMS       Channel = "sms"
	ChannelTelegram  Channel = "telegram"
	ChannelEmail     Channel = "email"
	ChannelWeb       Channel = "web"
)

// Channels lists every supported channel.
var Channels = []Channel{
	ChannelWhatsApp,
	ChannelInstagram,
	ChannelFacebook,
	ChannelSMS,
	ChannelTelegram,
	ChannelEmail,
	ChannelWeb,
}

func (c Channel) String() string { return string(c) }

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen          Status = "open"
	StatusPending       Status = "pending"
	StatusHumanTakeover Status = "human_takeover"
	StatusClosed        Status = "closed"
)

// Statuses lists every conversation status.
var Statuses = []Status{StatusOpen, StatusPending, StatusHumanTakeover, StatusClosed}

// LiveStatuses are the statuses that can still receive inbound messages.
var LiveStatuses = []Status{StatusOpen, StatusPending, StatusHumanTakeover}

// Live reports whether the status is anything other than closed.
func (s Status) Live() bool {
	return s != StatusClosed && s != ""
}

// AIMode controls how the assistant participates in a conversation.
type AIMode string

const (
	AIModeAuto   AIMode = "auto"
	AIModeDraft  AIMode = "draft"
	AIModeManual AIMode = "manual"
)

// AIModes lists every AI mode.
var AIModes = []AIMode{AIModeAuto, AIModeDraft, AIModeManual}

// Sender identifies who authored a message.
type Sender string

const (
	SenderClient Sender = "client"
	SenderAgent  Sender = "agent"
	SenderAI     Sender = "ai"
)

// Senders lists every sender kind.
var Senders = []Sender{SenderClient, SenderAgent, SenderAI}

// CompanyStatus gates anchor ingestion.
type CompanyStatus string

const (
	CompanyActive    CompanyStatus = "active"
	CompanySuspended CompanyStatus = "suspended"
)

// ParseChannel normalizes and validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	v := Channel(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range Channels {
		if v == c {
			return v, nil
		}
	}
	return "", &ValidationError{Fields: map[string]string{"channel": "must be one of " + joinEnum(Channels)}}
}

// ParseStatus normalizes and validates a conversation status.
func ParseStatus(raw string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Statuses {
		if v == s {
			return v, nil
		}
	}
	return "", &ValidationError{Fields: map[string]string{"status": "must be one of " + joinEnum(Statuses)}}
}

// ParseAIMode normalizes and validates an AI mode.
func ParseAIMode(raw string) (AIMode, error) {
	v := AIMode(strings.ToLower(strings.TrimSpace(raw)))
	for _, m := range AIModes {
		if v == m {
			return v, nil
		}
	}
	return "", &ValidationError{Fields: map[string]string{"aiMode": "must be one of " + joinEnum(AIModes)}}
}

// ParseSender normalizes and validates a sender kind.
func ParseSender(raw string) (Sender, error) {
	v := Sender(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Senders {
		if v == s {
			return v, nil
		}
	}
	return "", &ValidationError{Fields: map[string]string{"sender": "must be one of " + joinEnum(Senders)}}
}

func joinEnum[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// UnknownClientName is assigned to clients created without a display name.
const UnknownClientName = "Unknown"

// Client is a customer identity, resolved by phone, email or a provider
// handle such as "telegram:12345".
type Client struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Company is a tenant that embeds the web widget through an anchor token.
type Company struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Slug        string        `json:"slug"`
	AnchorToken string        `json:"-"`
	Status      CompanyStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Conversation is a thread between one client and the business on one channel.
type Conversation struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId"`
	CompanyID    string    `json:"companyId,omitempty"`
	Channel      Channel   `json:"channel"`
	Status       Status    `json:"status"`
	AIMode       AIMode    `json:"aiMode"`
	AssignedToID string    `json:"assignedToId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationDetail is a conversation together with its client.
type ConversationDetail struct {
	Conversation
	Client Client `json:"client"`
}

// Message is one immutable utterance in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	ExternalID     string    `json:"externalId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AIRun records one LLM invocation and what it cost.
type AIRun struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	SourceMessageID  string          `json:"sourceMessageId,omitempty"`
	MessageID        string          `json:"messageId,omitempty"`
	Prompt           json.RawMessage `json:"prompt"`
	Completion       string          `json:"completion"`
	PromptTokens     int             `json:"promptTokens"`
	CompletionTokens int             `json:"completionTokens"`
	TokensUsed       int             `json:"tokensUsed"`
	Model            string          `json:"model"`
	CostUSD          float64         `json:"costUsd"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// AIRunStats aggregates AI usage across all runs.
type AIRunStats struct {
	TotalRuns    int64   `json:"totalRuns"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalTokens  int64   `json:"totalTokens"`
}

// Persona is the assistant voice for a company. An empty CompanyID is the
// default persona used when a company has none.
type Persona struct {
	CompanyID    string    `json:"companyId,omitempty"`
	DisplayName  string    `json:"displayName"`
	SystemPrompt string    `json:"systemPrompt"`
	SalesContext string    `json:"salesContext,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AuditLog records an agent-initiated change.
type AuditLog struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ClientLookup describes how to find or create a client.
type ClientLookup struct {
	CompanyID string
	Name      string
	Email     string
	Phone     string
	// Handle is a provider scoped id, consulted after phone and email.
	Handle string
	// EmailFirst swaps the lookup order to email before phone.
	EmailFirst bool
}

// ConversationPatch holds the mutable conversation fields. Nil means unchanged.
type ConversationPatch struct {
	Status       *Status
	AIMode       *AIMode
	AssignedToID *string
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status       Status
	ClientID     string
	CompanyID    string
	AssignedToID string
	Unassigned   bool
	Skip         int
	Take         int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// NormalizePage clamps skip/take to sane bounds.
func NormalizePage(skip, take int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = DefaultPageSize
	}
	if take > MaxPageSize {
		take = MaxPageSize
	}
	return skip, take
}

// Analytics is the inbox overview.
type Analytics struct {
	ConversationsByStatus map[Status]int64  `json:"conversationsByStatus"`
	MessagesByChannel     map[Channel]int64 `json:"messagesByChannel"`
	AIVsHumanRatio        SenderRatio       `json:"aiVsHumanRatio"`
	AvgFirstResponseMs    *int64            `json:"avgFirstResponseMs"`
}

// SenderRatio compares automated and human replies.
type SenderRatio struct {
	AI    int64 `json:"ai"`
	Human int64 `json:"human"`
	Total int64 `json:"total"`
}
