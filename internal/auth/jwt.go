// Package auth issues and verifies the HS256 agent tokens used by the REST
// API and the realtime handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject   = "sub"
	claimUserID    = "user_id"
	claimCompanyID = "company_id"
	claimRole      = "role"

	contextKey = "user"
)

// Roles carried in agent tokens.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// ErrInvalidToken is returned by ParseToken for any rejected credential.
var ErrInvalidToken = errors.New("invalid token")

// Agent is the authenticated caller.
type Agent struct {
	UserID    string `json:"userId"`
	CompanyID string `json:"companyId,omitempty"`
	Role      string `json:"role"`
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		ContextKey:    contextKey,
		Skipper:       skipper,
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token").SetInternal(err)
		},
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// AgentFromContext extracts the caller from JWT claims.
func AgentFromContext(c echo.Context) (Agent, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Agent{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Agent{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	agent := agentFromClaims(claims)
	if agent.UserID == "" {
		return Agent{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	return agent, nil
}

// UserIDFromContext extracts the user id from JWT claims.
func UserIDFromContext(c echo.Context) (string, error) {
	agent, err := AgentFromContext(c)
	if err != nil {
		return "", err
	}
	return agent.UserID, nil
}

// ParseToken verifies a raw token outside the echo middleware, e.g. during
// the websocket handshake.
func ParseToken(raw, secret string) (Agent, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.TrimSpace(secret) == "" {
		return Agent{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Agent{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	agent := agentFromClaims(claims)
	if agent.UserID == "" {
		return Agent{}, fmt.Errorf("%w: user id missing", ErrInvalidToken)
	}
	return agent, nil
}

// GenerateToken creates a signed JWT for the agent.
func GenerateToken(agent Agent, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(agent.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}
	if agent.Role == "" {
		agent.Role = RoleAgent
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: agent.UserID,
		claimUserID:  agent.UserID,
		claimRole:    agent.Role,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if agent.CompanyID != "" {
		claims[claimCompanyID] = agent.CompanyID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext issues a new token for the caller, keeping the
// lifetime of the presented token when it can be derived.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return "", time.Time{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	agent := agentFromClaims(claims)
	if agent.UserID == "" {
		return "", time.Time{}, echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
	}
	lifetime := fallback
	iat, errIat := claims.GetIssuedAt()
	exp, errExp := claims.GetExpirationTime()
	if errIat == nil && errExp == nil && iat != nil && exp != nil {
		if d := exp.Sub(iat.Time); d > 0 {
			lifetime = d
		}
	}
	return GenerateToken(agent, secret, lifetime)
}

func agentFromClaims(claims jwt.MapClaims) Agent {
	userID := strings.TrimSpace(claimString(claims, claimUserID))
	if userID == "" {
		userID = strings.TrimSpace(claimString(claims, claimSubject))
	}
	role := strings.TrimSpace(claimString(claims, claimRole))
	if role == "" {
		role = RoleAgent
	}
	return Agent{
		UserID:    userID,
		CompanyID: strings.TrimSpace(claimString(claims, claimCompanyID)),
		Role:      role,
	}
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
