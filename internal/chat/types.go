// Package chat is the thin LLM client used by the reply gateway.
package chat

import "context"

// Roles understood by chat completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Request is a single, non-streaming completion request.
type Request struct {
	Messages         []Message
	Model            string
	MaxTokens        int
	Temperature      float32
	PresencePenalty  float32
	FrequencyPenalty float32
}

// Result is the first choice of a completion.
type Result struct {
	Message      Message
	Model        string
	FinishReason string
	Usage        Usage
}

// Provider performs chat completions.
type Provider interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
