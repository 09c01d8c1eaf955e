package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/ingest"
	"github.com/chatdesk/chatdesk/internal/metrics"
)

// MaxWebhookBody caps provider webhook payloads.
const MaxWebhookBody = 1 << 20

// Ingester accepts canonical envelopes.
type Ingester interface {
	Ingest(ctx context.Context, env ingest.Envelope) (ingest.Result, error)
}

// WebhookHandler receives provider webhooks for every registered adapter.
type WebhookHandler struct {
	registry *channel.Registry
	ingester Ingester
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, ingester Ingester) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		ingester: ingester,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/channels/:type/webhook", h.Challenge)
	e.POST("/channels/:type/webhook", h.Receive)
}

// Challenge answers provider subscription handshakes.
func (h *WebhookHandler) Challenge(c echo.Context) error {
	ct, err := h.registry.ParseChannelType(c.Param("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Message: "unknown channel"})
	}
	responder, ok := h.registry.GetChallengeResponder(ct)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Message: "channel has no verification handshake"})
	}
	body, err := responder.RespondChallenge(c.QueryParams())
	if err != nil {
		metrics.RecordWebhook(ct.String(), "rejected")
		return echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Message: "verification failed"})
	}
	return c.String(http.StatusOK, body)
}

// Receive authenticates the request, decodes it and ingests every message.
// Replies are left to the automation workers.
func (h *WebhookHandler) Receive(c echo.Context) error {
	ct, err := h.registry.ParseChannelType(c.Param("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Message: "unknown channel"})
	}
	receiver, ok := h.registry.GetWebhookReceiver(ct)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Message: "channel does not receive webhooks"})
	}
	log := h.logger.With(slog.String("channel", ct.String()))

	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RecordWebhook(ct.String(), "too_large")
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, ErrorResponse{Message: "payload too large"})
		}
		return badRequest("read body")
	}
	if err := receiver.VerifyRequest(req, body); err != nil {
		metrics.RecordWebhook(ct.String(), "rejected")
		log.Warn("webhook rejected", slog.String("remote_ip", c.RealIP()))
		return echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Message: "verification failed"})
	}
	messages, err := receiver.ParseInbound(req.Context(), req, body)
	if err != nil {
		metrics.RecordWebhook(ct.String(), "invalid")
		log.Warn("webhook decode failed", slog.Any("error", err))
		return badRequest("invalid payload")
	}

	for _, msg := range messages {
		res, err := h.ingester.Ingest(req.Context(), msg.Envelope())
		var validation *conversation.ValidationError
		switch {
		case errors.As(err, &validation):
			log.Warn("inbound message rejected", slog.String("external_id", msg.ExternalID), slog.Any("error", err))
			continue
		case err != nil:
			// Non-2xx makes the provider redeliver; dedup absorbs the repeats.
			metrics.RecordWebhook(ct.String(), "error")
			log.Error("ingest failed", slog.String("external_id", msg.ExternalID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{Message: "ingest failed"})
		}
		log.Debug("inbound message ingested",
			slog.String("conversation_id", res.ConversationID),
			slog.String("status", res.Status))
	}
	metrics.RecordWebhook(ct.String(), "accepted")
	return c.NoContent(http.StatusOK)
}
