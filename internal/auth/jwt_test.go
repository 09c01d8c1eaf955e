package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Parallel()

	secret := "test-secret"
	signed, expiresAt, err := GenerateToken(Agent{UserID: "agent-1", CompanyID: "co-1"}, secret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	agent, err := ParseToken(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, Agent{UserID: "agent-1", CompanyID: "co-1", Role: RoleAgent}, agent)

	_, err = ParseToken(signed, "other-secret")
	assert.True(t, errors.Is(err, ErrInvalidToken))
	_, err = ParseToken("", secret)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestParseTokenRejectsExpiredAndForeignAlg(t *testing.T) {
	t.Parallel()

	secret := "test-secret"
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claimUserID: "agent-1",
		"exp":       time.Now().Add(-time.Minute).Unix(),
	})
	signed, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(signed, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{claimUserID: "agent-1"})
	signed, err = hs512.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseToken(signed, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Parallel()

	_, _, err := GenerateToken(Agent{}, "s", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken(Agent{UserID: "a"}, "", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken(Agent{UserID: "a"}, "s", 0)
	assert.Error(t, err)
}

func TestJWTMiddlewareSetsAgent(t *testing.T) {
	t.Parallel()

	secret := "test-secret"
	signed, _, err := GenerateToken(Agent{UserID: "agent-7", Role: RoleAdmin}, secret, time.Hour)
	require.NoError(t, err)

	e := echo.New()
	e.Use(JWTMiddleware(secret, nil))
	e.GET("/me", func(c echo.Context) error {
		agent, err := AgentFromContext(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, agent)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"agent-7","role":"admin"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"
	initialTokenStr, _, err := GenerateToken(Agent{UserID: "user-123", CompanyID: "co-1"}, secret, 5*time.Minute)
	assert.NoError(t, err)

	token, err := jwt.Parse(initialTokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	c.Set("user", token)

	// iat has second resolution
	time.Sleep(1 * time.Second)

	newTokenStr, newExpiresAt, err := RefreshTokenFromContext(c, secret, time.Hour)
	assert.NoError(t, err)

	originalClaims, ok := token.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	origIat := int64(originalClaims["iat"].(float64))

	newToken, err := jwt.Parse(newTokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	assert.True(t, newToken.Valid)

	newClaims, ok := newToken.Claims.(jwt.MapClaims)
	assert.True(t, ok)
	assert.Equal(t, "user-123", newClaims[claimUserID])
	assert.Equal(t, "co-1", newClaims[claimCompanyID])

	newIat := int64(newClaims["iat"].(float64))
	newExp := int64(newClaims["exp"].(float64))
	assert.Greater(t, newIat, origIat)
	assert.Equal(t, int64(5*60), newExp-newIat)
	assert.Equal(t, newExpiresAt.Unix(), newExp)
}

func TestRefreshTokenFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, _, err := RefreshTokenFromContext(c, "test-secret", time.Hour)
	assert.Error(t, err)

	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}
