package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/ingest"
)

// MessagesHandler serves the inbox API and the internal ingest endpoint.
type MessagesHandler struct {
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(log *slog.Logger, pipeline *ingest.Pipeline) *MessagesHandler {
	return &MessagesHandler{
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "messages")),
	}
}

// Register registers the /messages routes.
func (h *MessagesHandler) Register(e *echo.Echo) {
	g := e.Group("/messages")
	g.POST("/ingest", h.Ingest)
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.PATCH("/conversations/:id", h.PatchConversation)
	g.POST("/conversations/:id/reply", h.Reply)
	g.POST("/reply", h.ReplyFlat)
	g.GET("/analytics", h.Analytics)
}

// Ingest accepts a canonical envelope from an internal integration.
func (h *MessagesHandler) Ingest(c echo.Context) error {
	var env ingest.Envelope
	if err := c.Bind(&env); err != nil {
		return badRequest(err.Error())
	}
	res, err := h.pipeline.Ingest(c.Request().Context(), env)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(ingestStatus(res), res)
}

func ingestStatus(res ingest.Result) int {
	if res.Status == ingest.StatusDuplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

// ListConversations lists conversations, newest activity first. Agents bound
// to a company only see that company's conversations; admins see all.
func (h *MessagesHandler) ListConversations(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	filter := conversation.ConversationFilter{
		ClientID:     strings.TrimSpace(c.QueryParam("clientId")),
		AssignedToID: strings.TrimSpace(c.QueryParam("assignedToId")),
		Unassigned:   c.QueryParam("unassigned") == "true",
		CompanyID:    companyScope(agent),
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		if filter.Status, err = conversation.ParseStatus(raw); err != nil {
			return toHTTPError(h.logger, err)
		}
	}
	if filter.Skip, filter.Take, err = pageParams(c); err != nil {
		return err
	}
	items, err := h.pipeline.ListConversations(c.Request().Context(), filter)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, items)
}

// GetConversation returns one conversation with its client.
func (h *MessagesHandler) GetConversation(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	detail, err := h.pipeline.GetConversation(c.Request().Context(), c.Param("id"))
	if err == nil {
		err = checkCompany(agent, detail.CompanyID)
	}
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *MessagesHandler) loadConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	detail, err := h.pipeline.GetConversation(ctx, id)
	return detail.Conversation, err
}

// ListMessages returns a conversation's messages, oldest first.
func (h *MessagesHandler) ListMessages(c echo.Context) error {
	skip, take, err := pageParams(c)
	if err != nil {
		return err
	}
	if _, err := authorizeConversation(c, h.loadConversation, c.Param("id")); err != nil {
		return toHTTPError(h.logger, err)
	}
	items, err := h.pipeline.ListMessages(c.Request().Context(), c.Param("id"), skip, take)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, items)
}

// PatchConversation changes status, AI mode or assignment.
func (h *MessagesHandler) PatchConversation(c echo.Context) error {
	var in ingest.PatchInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err.Error())
	}
	agent, err := authorizeConversation(c, h.loadConversation, c.Param("id"))
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	updated, err := h.pipeline.PatchConversation(c.Request().Context(), c.Param("id"), agent.UserID, in)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, updated)
}

type replyRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// Reply sends an agent message on the conversation in the path.
func (h *MessagesHandler) Reply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	return h.sendReply(c, c.Param("id"), req.Content)
}

// ReplyFlat is Reply with the conversation id in the body.
func (h *MessagesHandler) ReplyFlat(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return toHTTPError(h.logger, conversation.NewValidationError("conversationId", "required"))
	}
	return h.sendReply(c, req.ConversationID, req.Content)
}

func (h *MessagesHandler) sendReply(c echo.Context, conversationID, content string) error {
	agent, err := authorizeConversation(c, h.loadConversation, conversationID)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	msg, err := h.pipeline.SendAgentReply(c.Request().Context(), conversationID, content, agent.UserID)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// Analytics returns the inbox overview for the caller's company.
func (h *MessagesHandler) Analytics(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	out, err := h.pipeline.Analytics(c.Request().Context(), companyScope(agent))
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(http.StatusOK, out)
}

func pageParams(c echo.Context) (int, int, error) {
	skip, err := intQuery(c, "skip")
	if err != nil {
		return 0, 0, err
	}
	take, err := intQuery(c, "take")
	if err != nil {
		return 0, 0, err
	}
	return skip, take, nil
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Message: "validation failed",
			Fields:  map[string]string{name: "must be an integer"},
		})
	}
	return v, nil
}
