package sqlc

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type AiRun struct {
	ID               pgtype.UUID        `json:"id"`
	ConversationID   pgtype.UUID        `json:"conversation_id"`
	SourceMessageID  pgtype.UUID        `json:"source_message_id"`
	MessageID        pgtype.UUID        `json:"message_id"`
	Prompt           []byte             `json:"prompt"`
	Completion       string             `json:"completion"`
	PromptTokens     int32              `json:"prompt_tokens"`
	CompletionTokens int32              `json:"completion_tokens"`
	TokensUsed       int32              `json:"tokens_used"`
	Model            string             `json:"model"`
	CostUsd          float64            `json:"cost_usd"`
	CreatedAt        pgtype.Timestamptz `json:"created_at"`
}

type AuditLog struct {
	ID           pgtype.UUID        `json:"id"`
	Actor        string             `json:"actor"`
	Action       string             `json:"action"`
	ResourceType string             `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	Details      []byte             `json:"details"`
	CreatedAt    pgtype.Timestamptz `json:"created_at"`
}

type Client struct {
	ID        pgtype.UUID        `json:"id"`
	CompanyID pgtype.UUID        `json:"company_id"`
	Name      string             `json:"name"`
	Email     pgtype.Text        `json:"email"`
	Phone     pgtype.Text        `json:"phone"`
	Handle    pgtype.Text        `json:"handle"`
	Tags      []string           `json:"tags"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}

type Company struct {
	ID          pgtype.UUID        `json:"id"`
	Name        string             `json:"name"`
	Slug        string             `json:"slug"`
	AnchorToken string             `json:"anchor_token"`
	Status      string             `json:"status"`
	CreatedAt   pgtype.Timestamptz `json:"created_at"`
}

type Conversation struct {
	ID           pgtype.UUID        `json:"id"`
	ClientID     pgtype.UUID        `json:"client_id"`
	CompanyID    pgtype.UUID        `json:"company_id"`
	Channel      string             `json:"channel"`
	Status       string             `json:"status"`
	AiMode       string             `json:"ai_mode"`
	AssignedToID pgtype.Text        `json:"assigned_to_id"`
	CreatedAt    pgtype.Timestamptz `json:"created_at"`
	UpdatedAt    pgtype.Timestamptz `json:"updated_at"`
}

type Message struct {
	ID             pgtype.UUID        `json:"id"`
	ConversationID pgtype.UUID        `json:"conversation_id"`
	Sender         string             `json:"sender"`
	Content        string             `json:"content"`
	ExternalID     pgtype.Text        `json:"external_id"`
	CreatedAt      pgtype.Timestamptz `json:"created_at"`
}

type Persona struct {
	Scope        string             `json:"scope"`
	DisplayName  string             `json:"display_name"`
	SystemPrompt string             `json:"system_prompt"`
	SalesContext string             `json:"sales_context"`
	UpdatedAt    pgtype.Timestamptz `json:"updated_at"`
}
