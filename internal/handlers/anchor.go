package handlers

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/ingest"
)

// AnchorHandler serves the public web widget endpoint.
type AnchorHandler struct {
	pipeline *ingest.Pipeline
	limiter  echo.MiddlewareFunc
	logger   *slog.Logger
}

// NewAnchorHandler creates an AnchorHandler. limiter may be nil.
func NewAnchorHandler(log *slog.Logger, pipeline *ingest.Pipeline, limiter echo.MiddlewareFunc) *AnchorHandler {
	return &AnchorHandler{
		pipeline: pipeline,
		limiter:  limiter,
		logger:   log.With(slog.String("handler", "anchor")),
	}
}

func (h *AnchorHandler) Register(e *echo.Echo) {
	var mw []echo.MiddlewareFunc
	if h.limiter != nil {
		mw = append(mw, h.limiter)
	}
	e.POST("/companies/anchor/:token/ingest", h.Ingest, mw...)
}

// Ingest accepts a widget message for the company owning the token.
func (h *AnchorHandler) Ingest(c echo.Context) error {
	var req ingest.AnchorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err.Error())
	}
	res, err := h.pipeline.IngestForCompany(c.Request().Context(), c.Param("token"), req)
	if err != nil {
		return toHTTPError(h.logger, err)
	}
	return c.JSON(ingestStatus(res), res)
}
