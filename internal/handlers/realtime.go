package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/realtime"
)

// RealtimeHandler mounts the agent websocket.
type RealtimeHandler struct {
	server http.Handler
}

// NewRealtimeHandler creates a RealtimeHandler. The socket authenticates
// itself with the same agent tokens the REST API accepts.
func NewRealtimeHandler(log *slog.Logger, hub *realtime.Hub, jwtSecret string) *RealtimeHandler {
	authenticate := func(token string) (string, error) {
		agent, err := auth.ParseToken(token, jwtSecret)
		if err != nil {
			return "", err
		}
		return agent.UserID, nil
	}
	return &RealtimeHandler{server: realtime.NewServer(log, hub, authenticate)}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	e.GET("/ws", echo.WrapHandler(h.server))
}
