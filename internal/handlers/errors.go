package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// toHTTPError maps domain errors onto HTTP status codes. Unknown errors are
// logged and reported as 500 without detail.
func toHTTPError(log *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var validation *conversation.ValidationError
	if errors.As(err, &validation) {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Message: "validation failed", Fields: validation.Fields})
	}
	var upstream *conversation.UpstreamError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	case errors.Is(err, conversation.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Message: err.Error()})
	case errors.As(err, &upstream):
		log.Warn("upstream provider failed", slog.String("provider", upstream.Provider), slog.Any("error", upstream.Err))
		return echo.NewHTTPError(http.StatusBadGateway, ErrorResponse{Message: upstream.Provider + " request failed"})
	}
	log.Error("request failed", slog.Any("error", err))
	return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{Message: "internal error"})
}

func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Message: message})
}
