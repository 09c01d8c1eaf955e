package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

const minSystemPromptLen = 10

// GetPersona returns the effective persona for a company.
func (g *Gateway) GetPersona(ctx context.Context, companyID string) (conversation.Persona, error) {
	return g.resolvePersona(ctx, companyID)
}

// UpdatePersona replaces the company system prompt.
func (g *Gateway) UpdatePersona(ctx context.Context, companyID, actor, systemPrompt string) (conversation.Persona, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if len([]rune(systemPrompt)) < minSystemPromptLen {
		return conversation.Persona{}, conversation.NewValidationError("systemPrompt", fmt.Sprintf("must be at least %d characters", minSystemPromptLen))
	}
	persona, err := g.ownPersona(ctx, companyID)
	if err != nil {
		return conversation.Persona{}, err
	}
	persona.SystemPrompt = systemPrompt
	saved, err := g.store.UpsertPersona(ctx, persona)
	if err != nil {
		return conversation.Persona{}, fmt.Errorf("save persona: %w", err)
	}
	g.audit(ctx, actor, "persona.updated", "persona", personaResource(companyID), map[string]any{"length": len(systemPrompt)})
	g.logger.Info("persona updated", slog.String("company_id", companyID), slog.String("actor", actor))
	return saved, nil
}

// UpdateSalesContext replaces the product knowledge block. Blank clears it.
func (g *Gateway) UpdateSalesContext(ctx context.Context, companyID, actor, salesContext string) (conversation.Persona, error) {
	persona, err := g.ownPersona(ctx, companyID)
	if err != nil {
		return conversation.Persona{}, err
	}
	persona.SalesContext = strings.TrimSpace(salesContext)
	saved, err := g.store.UpsertPersona(ctx, persona)
	if err != nil {
		return conversation.Persona{}, fmt.Errorf("save persona: %w", err)
	}
	g.audit(ctx, actor, "persona.sales_context_updated", "persona", personaResource(companyID), map[string]any{"length": len(persona.SalesContext)})
	g.logger.Info("sales context updated",
		slog.String("company_id", companyID),
		slog.Int("chars", len(persona.SalesContext)))
	return saved, nil
}

// ownPersona loads the persona stored for exactly this scope, without the
// default fallback, so updates never write into another tenant's row.
func (g *Gateway) ownPersona(ctx context.Context, companyID string) (conversation.Persona, error) {
	persona, err := g.store.GetPersona(ctx, companyID)
	if errors.Is(err, conversation.ErrNotFound) {
		return conversation.Persona{CompanyID: companyID}, nil
	}
	if err != nil {
		return conversation.Persona{}, fmt.Errorf("load persona: %w", err)
	}
	persona.CompanyID = companyID
	return persona, nil
}

func personaResource(companyID string) string {
	if companyID == "" {
		return "default"
	}
	return companyID
}
