package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/reply"
)

// AIHandler serves draft suggestions, persona settings and usage stats.
type AIHandler struct {
	gateway *reply.Gateway
	logger  *slog.Logger
}

// NewAIHandler creates an AIHandler.
func NewAIHandler(log *slog.Logger, gateway *reply.Gateway) *AIHandler {
	return &AIHandler{
		gateway: gateway,
		logger:  log.With(slog.String("handler", "ai")),
	}
}

// Register registers the /ai routes.
func (h *AIHandler) Register(e *echo.Echo) {
	g := e.Group("/ai")
	g.POST("/respond", h.Respond)
	g.GET("/persona", h.GetPersona)
	g.PATCH("/persona", h.UpdatePersona)
	g.PATCH("/sales-context", h.UpdateSalesContext)
	g.PATCH("/conversations/:id/mode", h.SetConversationMode)
	g.GET("/stats", h.Stats)
}

type respondRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// RespondResponse carries a draft; both fields are null in manual mode.
type RespondResponse struct {
	Reply   *string `json:"reply"`
	AIRunID *string `json:"aiRunId"`
}

// Respond generates a draft reply without persisting a message.
func (h *AIHandler) Respond(c echo.Context) error {
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return toHTTPError(h.logger, conversation.NewValidationError("conversationId", "required"))
	}
	if _, err := authorizeConversation(c, h.gateway.GetConversation, req.ConversationID); err != nil {
		return toHTTPError(h.logger, err)
	}
	out, err := h.gateway.GenerateReply(c.Request().Context(), reply.Request{
		ConversationID:  req.ConversationID,
		IncomingContent: req.Message,
	})
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	if out == nil {
		return c.JSON(http.StatusOK, RespondResponse{})
	}
	return c.JSON(http.StatusOK, RespondResponse{Reply: &out.Reply, AIRunID: &out.AIRunID})
}

// GetPersona returns the persona of the caller's company.
func (h *AIHandler) GetPersona(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	persona, err := h.gateway.GetPersona(c.Request().Context(), agent.CompanyID)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, persona)
}

type personaRequest struct {
	SystemPrompt string `json:"systemPrompt"`
	SalesContext string `json:"salesContext"`
}

// UpdatePersona replaces the system prompt.
func (h *AIHandler) UpdatePersona(c echo.Context) error {
	agent, err := h.personaEditor(c)
	if err != nil {
		return err
	}
	var req personaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	persona, err := h.gateway.UpdatePersona(c.Request().Context(), agent.CompanyID, agent.UserID, req.SystemPrompt)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, persona)
}

// UpdateSalesContext replaces the product knowledge block.
func (h *AIHandler) UpdateSalesContext(c echo.Context) error {
	agent, err := h.personaEditor(c)
	if err != nil {
		return err
	}
	var req personaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	persona, err := h.gateway.UpdateSalesContext(c.Request().Context(), agent.CompanyID, agent.UserID, req.SalesContext)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, persona)
}

// personaEditor returns the caller when they may edit their persona. The
// shared default persona is admin only.
func (h *AIHandler) personaEditor(c echo.Context) (auth.Agent, error) {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return auth.Agent{}, err
	}
	if agent.CompanyID == "" && agent.Role != auth.RoleAdmin {
		return auth.Agent{}, echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Message: "only admins may edit the default persona"})
	}
	return agent, nil
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// SetConversationMode switches a conversation between auto, draft and manual.
func (h *AIHandler) SetConversationMode(c echo.Context) error {
	var req modeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	agent, err := authorizeConversation(c, h.gateway.GetConversation, c.Param("id"))
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	updated, err := h.gateway.SetConversationMode(c.Request().Context(), c.Param("id"), req.Mode, agent.UserID)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Stats returns AI usage totals for the caller's company.
func (h *AIHandler) Stats(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	stats, err := h.gateway.Stats(c.Request().Context(), companyScope(agent))
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, stats)
}
