package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatdesk/chatdesk/internal/auth"
)

// AuthHandler renews agent tokens.
type AuthHandler struct {
	jwtSecret string
	expiresIn time.Duration
}

type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func NewAuthHandler(jwtSecret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret, expiresIn: expiresIn}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/refresh", h.Refresh)
}

// Refresh issues a new token with the lifetime of the presented one.
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}
