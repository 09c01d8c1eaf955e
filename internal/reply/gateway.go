// Package reply generates assistant replies for conversations and keeps the
// AI usage ledger.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/chatdesk/chatdesk/internal/chat"
	"github.com/chatdesk/chatdesk/internal/config"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/metrics"
)

// ErrAlreadyAnswered is returned when the source message already has an AI run.
var ErrAlreadyAnswered = errors.New("message already answered")

// Request asks for a reply to the latest client message.
type Request struct {
	ConversationID  string
	IncomingContent string
	// SourceMessageID is the client message being answered. When set, at most
	// one run is ever recorded for it.
	SourceMessageID string
}

// Reply is a generated answer and its ledger entry.
type Reply struct {
	Reply   string `json:"reply"`
	AIRunID string `json:"aiRunId"`
}

// Stats is the rounded usage summary.
type Stats struct {
	TotalRuns    int64   `json:"totalRuns"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	TotalTokens  int64   `json:"totalTokens"`
}

// Notifier receives conversation changes made by the gateway.
type Notifier interface {
	EmitConversationUpdate(conv conversation.Conversation)
}

// Store is the persistence the gateway needs.
type Store interface {
	conversation.ConversationStore
	conversation.MessageStore
	conversation.AIRunStore
	conversation.PersonaStore
	conversation.AuditStore
}

// Options tunes completions.
type Options struct {
	Model            string
	MaxTokens        int
	Temperature      float32
	PresencePenalty  float32
	FrequencyPenalty float32
	HistoryWindow    int
}

// OptionsFromConfig maps the openai config section.
func OptionsFromConfig(cfg config.OpenAIConfig) Options {
	return Options{
		Model:            cfg.Model,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		HistoryWindow:    cfg.HistoryWindow,
	}
}

// Gateway wraps one LLM call with history, persona and cost accounting.
type Gateway struct {
	store    Store
	provider chat.Provider
	pricing  *Pricing
	opts     Options
	notifier Notifier
	logger   *slog.Logger
}

// NewGateway creates a Gateway. A nil provider makes every generation fail
// with an upstream error.
func NewGateway(log *slog.Logger, store Store, provider chat.Provider, pricing *Pricing, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if pricing == nil {
		pricing = NewPricing(Price{InputPerMillion: 5, OutputPerMillion: 15}, nil)
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 300
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = config.DefaultHistoryWindow
	}
	return &Gateway{
		store:    store,
		provider: provider,
		pricing:  pricing,
		opts:     opts,
		logger:   log.With(slog.String("service", "reply")),
	}
}

// SetNotifier sets the optional conversation update sink.
func (g *Gateway) SetNotifier(n Notifier) {
	g.notifier = n
}

// GenerateReply returns nil, nil when the conversation is in manual mode.
func (g *Gateway) GenerateReply(ctx context.Context, req Request) (*Reply, error) {
	conv, err := g.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.AllowsGeneration(conv.AIMode) {
		return nil, nil
	}
	if req.SourceMessageID != "" {
		if _, err := g.store.GetAIRunBySourceMessage(ctx, req.SourceMessageID); err == nil {
			return nil, ErrAlreadyAnswered
		} else if !errors.Is(err, conversation.ErrNotFound) {
			return nil, fmt.Errorf("check existing run: %w", err)
		}
	}

	history, err := g.store.RecentMessages(ctx, conv.ID, g.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	persona, err := g.resolvePersona(ctx, conv.CompanyID)
	if err != nil {
		return nil, err
	}
	messages := BuildMessages(persona, history, req.IncomingContent)

	if g.provider == nil {
		return nil, &conversation.UpstreamError{Provider: "llm", Err: errors.New("provider not configured")}
	}
	started := time.Now()
	res, err := g.provider.Chat(ctx, chat.Request{
		Messages:         messages,
		Model:            g.opts.Model,
		MaxTokens:        g.opts.MaxTokens,
		Temperature:      g.opts.Temperature,
		PresencePenalty:  g.opts.PresencePenalty,
		FrequencyPenalty: g.opts.FrequencyPenalty,
	})
	if err != nil {
		metrics.RecordLLMRequest(g.opts.Model, time.Since(started), err, 0, 0, 0)
		return nil, &conversation.UpstreamError{Provider: "llm", Err: err}
	}

	model := res.Model
	if model == "" {
		model = g.opts.Model
	}
	totalTokens := res.Usage.TotalTokens
	if totalTokens == 0 {
		totalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	cost := g.pricing.Cost(model, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	metrics.RecordLLMRequest(model, time.Since(started), nil, res.Usage.PromptTokens, res.Usage.CompletionTokens, cost)

	prompt, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}
	completion := strings.TrimSpace(res.Message.Content)
	run, err := g.store.CreateAIRun(ctx, conversation.AIRun{
		ConversationID:   conv.ID,
		SourceMessageID:  req.SourceMessageID,
		Prompt:           prompt,
		Completion:       completion,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TokensUsed:       totalTokens,
		Model:            model,
		CostUSD:          cost,
	})
	if errors.Is(err, conversation.ErrDuplicate) {
		return nil, ErrAlreadyAnswered
	}
	if err != nil {
		return nil, fmt.Errorf("record ai run: %w", err)
	}

	g.logger.Info("ai reply generated",
		slog.String("conversation_id", conv.ID),
		slog.String("ai_run_id", run.ID),
		slog.Int("tokens", totalTokens),
		slog.Float64("cost_usd", cost))
	return &Reply{Reply: completion, AIRunID: run.ID}, nil
}

// resolvePersona returns the company persona, then the default, then an
// empty persona that yields the built-in prompt.
func (g *Gateway) resolvePersona(ctx context.Context, companyID string) (conversation.Persona, error) {
	scopes := []string{companyID}
	if companyID != "" {
		scopes = append(scopes, "")
	}
	for _, scope := range scopes {
		p, err := g.store.GetPersona(ctx, scope)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return conversation.Persona{}, fmt.Errorf("load persona: %w", err)
		}
	}
	return conversation.Persona{CompanyID: companyID}, nil
}

// SetConversationMode changes the AI mode of one conversation.
func (g *Gateway) SetConversationMode(ctx context.Context, conversationID, mode, actor string) (conversation.Conversation, error) {
	parsed, err := conversation.ParseAIMode(mode)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if _, err := g.store.GetConversation(ctx, conversationID); err != nil {
		return conversation.Conversation{}, err
	}
	updated, err := g.store.UpdateConversation(ctx, conversationID, conversation.ConversationPatch{AIMode: &parsed})
	if err != nil {
		return conversation.Conversation{}, err
	}
	g.audit(ctx, actor, "conversation.mode_changed", "conversation", conversationID, map[string]any{"aiMode": parsed})
	if g.notifier != nil {
		g.notifier.EmitConversationUpdate(updated)
	}
	g.logger.Info("conversation ai mode changed",
		slog.String("conversation_id", conversationID),
		slog.String("ai_mode", string(parsed)))
	return updated, nil
}

// GetConversation returns the conversation without its client.
func (g *Gateway) GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	return g.store.GetConversation(ctx, conversationID)
}

// Stats returns usage totals with cost rounded to 4 decimal places. An empty
// companyID covers every company.
func (g *Gateway) Stats(ctx context.Context, companyID string) (Stats, error) {
	raw, err := g.store.AIRunStats(ctx, companyID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalRuns:    raw.TotalRuns,
		TotalCostUSD: math.Round(raw.TotalCostUSD*10_000) / 10_000,
		TotalTokens:  raw.TotalTokens,
	}, nil
}

func (g *Gateway) audit(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = nil
	}
	if err := g.store.CreateAuditLog(ctx, conversation.AuditLog{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      payload,
	}); err != nil {
		g.logger.Warn("write audit log failed", slog.String("action", action), slog.Any("error", err))
	}
}
