package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/conversation"
)

// companyScope is the company an agent is confined to. Empty means every
// company: admins and agents without a company are not confined.
func companyScope(agent auth.Agent) string {
	if agent.Role == auth.RoleAdmin {
		return ""
	}
	return agent.CompanyID
}

// checkCompany reports another company's conversation as missing.
func checkCompany(agent auth.Agent, companyID string) error {
	if scope := companyScope(agent); scope != "" && companyID != scope {
		return conversation.ErrNotFound
	}
	return nil
}

type conversationGetter func(ctx context.Context, id string) (conversation.Conversation, error)

// authorizeConversation returns the caller once the conversation is known to
// be visible to them.
func authorizeConversation(c echo.Context, get conversationGetter, id string) (auth.Agent, error) {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return auth.Agent{}, err
	}
	conv, err := get(c.Request().Context(), id)
	if err != nil {
		return auth.Agent{}, err
	}
	if err := checkCompany(agent, conv.CompanyID); err != nil {
		return auth.Agent{}, err
	}
	return agent, nil
}
