package conversation

import (
	"context"
	"time"
)

// ClientStore resolves customer identities.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (Client, error)
	// FindOrCreateClient returns the client matching the lookup or creates one.
	// Concurrent calls with the same identity resolve to a single client.
	FindOrCreateClient(ctx context.Context, lookup ClientLookup) (Client, error)
}

// CompanyStore resolves tenants for anchor ingestion.
type CompanyStore interface {
	GetCompanyByAnchorToken(ctx context.Context, token string) (Company, error)
}

// ConversationStore persists conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetConversationDetail(ctx context.Context, id string) (ConversationDetail, error)
	// FindOrCreateLiveConversation returns the most recently updated live
	// conversation for (client, channel), creating an open/auto one when none
	// exists. At most one live conversation per key survives concurrent calls.
	FindOrCreateLiveConversation(ctx context.Context, clientID, companyID string, channel Channel) (Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationDetail, error)
	// Aggregates take a company id; empty means every company.
	CountConversationsByStatus(ctx context.Context, companyID string) (map[Status]int64, error)
}

// MessageStore persists messages.
type MessageStore interface {
	GetMessageByExternalID(ctx context.Context, externalID string) (Message, error)
	// CreateMessage inserts a message. When the external id already exists it
	// returns the stored message and ErrDuplicate.
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	ListMessages(ctx context.Context, conversationID string, skip, take int) ([]Message, error)
	// RecentMessages returns up to limit latest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CountMessagesByChannelSince(ctx context.Context, companyID string, since time.Time) (map[Channel]int64, error)
	CountMessagesBySender(ctx context.Context, companyID string) (map[Sender]int64, error)
}

// AIRunStore persists LLM invocations.
type AIRunStore interface {
	// CreateAIRun inserts a run. A second run for the same source message
	// returns ErrDuplicate.
	CreateAIRun(ctx context.Context, run AIRun) (AIRun, error)
	GetAIRunBySourceMessage(ctx context.Context, messageID string) (AIRun, error)
	AttachAIRunMessage(ctx context.Context, runID, messageID string) error
	AIRunStats(ctx context.Context, companyID string) (AIRunStats, error)
}

// PersonaStore persists assistant personas.
type PersonaStore interface {
	// GetPersona returns the persona for a company; empty companyID is the default.
	GetPersona(ctx context.Context, companyID string) (Persona, error)
	UpsertPersona(ctx context.Context, persona Persona) (Persona, error)
}

// AuditStore records agent actions.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry AuditLog) error
}

// Store is the full persistence contract.
type Store interface {
	ClientStore
	CompanyStore
	ConversationStore
	MessageStore
	AIRunStore
	PersonaStore
	AuditStore
	Ping(ctx context.Context) error
}
