package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/ingest"
	"github.com/chatdesk/chatdesk/internal/reply"
	"github.com/chatdesk/chatdesk/internal/storage/memory"
)

const testJWTSecret = "handlers-test-secret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	e        *echo.Echo
	store    *memory.Store
	pipeline *ingest.Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	pipeline := ingest.NewPipeline(newTestLogger(), store, nil, nil)
	e := echo.New()
	e.Use(auth.JWTMiddleware(testJWTSecret, func(c echo.Context) bool {
		path := c.Request().URL.Path
		return path == "/messages/ingest" || path == "/health" ||
			strings.HasPrefix(path, "/channels/") || strings.HasPrefix(path, "/companies/anchor/")
	}))
	NewMessagesHandler(newTestLogger(), pipeline).Register(e)
	return &testEnv{e: e, store: store, pipeline: pipeline}
}

func agentToken(t *testing.T, agent auth.Agent) string {
	t.Helper()
	token, _, err := auth.GenerateToken(agent, testJWTSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestToHTTPError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", conversation.NewValidationError("message.content", "required"), http.StatusBadRequest},
		{"not found", fmt.Errorf("conversation abc: %w", conversation.ErrNotFound), http.StatusNotFound},
		{"forbidden", conversation.ErrForbidden, http.StatusForbidden},
		{"upstream", &conversation.UpstreamError{Provider: "openai", Err: errors.New("timeout")}, http.StatusBadGateway},
		{"http error", echo.NewHTTPError(http.StatusTeapot), http.StatusTeapot},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var httpErr *echo.HTTPError
		require.ErrorAs(t, toHTTPError(newTestLogger(), tc.err), &httpErr, tc.name)
		assert.Equal(t, tc.code, httpErr.Code, tc.name)
	}

	var httpErr *echo.HTTPError
	require.ErrorAs(t, toHTTPError(newTestLogger(), conversation.NewValidationError("client.email", "email")), &httpErr)
	body, ok := httpErr.Message.(ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "email", body.Fields["client.email"])
	assert.NoError(t, toHTTPError(newTestLogger(), nil))
}

func TestMessagesIngestEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	payload := `{"client":{"phone":"+254700000001"},"message":{"content":"Habari","sender":"client","channel":"whatsapp","externalId":"wamid.9"}}`

	rec := env.do(t, http.MethodPost, "/messages/ingest", payload, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"received"`)
	assert.Contains(t, rec.Body.String(), `"aiMode":"auto"`)

	rec = env.do(t, http.MethodPost, "/messages/ingest", payload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"duplicate"`)

	rec = env.do(t, http.MethodPost, "/messages/ingest", `{"message":{"content":"","sender":"robot","channel":"whatsapp"}}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message.sender"`)
}

func TestConversationEndpointsRequireToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/messages/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res, err := env.pipeline.Ingest(context.Background(), ingest.Envelope{
		Client:  &ingest.ClientInput{Phone: "+254700000001"},
		Message: ingest.MessageInput{Content: "Bei gani?", Sender: "client", Channel: "sms"},
	})
	require.NoError(t, err)
	token := agentToken(t, auth.Agent{UserID: "agent-1"})

	rec := env.do(t, http.MethodGet, "/messages/conversations?status=open", "", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), res.ConversationID)

	rec = env.do(t, http.MethodGet, "/messages/conversations?status=archived", "", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/messages/conversations?take=many", "", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/messages/conversations/"+res.ConversationID+"/messages", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bei gani?")

	rec = env.do(t, http.MethodPatch, "/messages/conversations/"+res.ConversationID, `{"aiMode":"manual"}`, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"aiMode":"manual"`)

	rec = env.do(t, http.MethodPost, "/messages/reply", `{"conversationId":"`+res.ConversationID+`","content":"Karibu"}`, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"sender":"agent"`)

	rec = env.do(t, http.MethodGet, "/messages/conversations/does-not-exist", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/messages/analytics", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAnchorIngest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.PutCompany(conversation.Company{Name: "Duka", Slug: "duka", AnchorToken: "anchor-abc"})
	NewAnchorHandler(newTestLogger(), env.pipeline, nil).Register(env.e)

	rec := env.do(t, http.MethodPost, "/companies/anchor/anchor-abc/ingest", `{"clientName":"Wanjiru","clientEmail":"w@example.com","message":"Hello from the site"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"conversationId"`)

	rec = env.do(t, http.MethodPost, "/companies/anchor/unknown/ingest", `{"message":"hi"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/companies/anchor/anchor-abc/ingest", `{"message":""}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationsAreScopedToAgentCompany(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	gateway := reply.NewGateway(newTestLogger(), env.store, failingProvider{}, nil, reply.Options{Model: "gpt-4o"})
	NewAIHandler(newTestLogger(), gateway).Register(env.e)

	ctx := context.Background()
	client, err := env.store.FindOrCreateClient(ctx, conversation.ClientLookup{Phone: "+254700000010"})
	require.NoError(t, err)
	conv, err := env.store.FindOrCreateLiveConversation(ctx, client.ID, "co-a", conversation.ChannelSMS)
	require.NoError(t, err)
	_, err = env.store.CreateMessage(ctx, conversation.Message{ConversationID: conv.ID, Sender: conversation.SenderClient, Content: "Habari"})
	require.NoError(t, err)
	_, err = env.store.CreateAIRun(ctx, conversation.AIRun{ConversationID: conv.ID, SourceMessageID: "src-1", Model: "gpt-4o", TokensUsed: 12})
	require.NoError(t, err)

	owner := agentToken(t, auth.Agent{UserID: "agent-a", CompanyID: "co-a"})
	outsider := agentToken(t, auth.Agent{UserID: "agent-b", CompanyID: "co-b"})
	admin := agentToken(t, auth.Agent{UserID: "root", CompanyID: "co-b", Role: auth.RoleAdmin})

	rec := env.do(t, http.MethodGet, "/messages/conversations/"+conv.ID, "", owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodGet, "/messages/conversations/"+conv.ID, "", admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cases := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/messages/conversations/" + conv.ID, ""},
		{http.MethodGet, "/messages/conversations/" + conv.ID + "/messages", ""},
		{http.MethodPatch, "/messages/conversations/" + conv.ID, `{"status":"closed"}`},
		{http.MethodPost, "/messages/conversations/" + conv.ID + "/reply", `{"content":"hi"}`},
		{http.MethodPost, "/messages/reply", `{"conversationId":"` + conv.ID + `","content":"hi"}`},
		{http.MethodPost, "/ai/respond", `{"conversationId":"` + conv.ID + `","message":"hi"}`},
		{http.MethodPatch, "/ai/conversations/" + conv.ID + "/mode", `{"mode":"manual"}`},
	}
	for _, tc := range cases {
		rec := env.do(t, tc.method, tc.path, tc.body, outsider)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
	stored, err := env.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusOpen, stored.Status)
	assert.Equal(t, conversation.AIModeAuto, stored.AIMode)

	rec = env.do(t, http.MethodGet, "/messages/analytics", "", outsider)
	require.Equal(t, http.StatusOK, rec.Code)
	var scoped conversation.Analytics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scoped))
	assert.Empty(t, scoped.ConversationsByStatus)
	assert.Empty(t, scoped.MessagesByChannel)

	rec = env.do(t, http.MethodGet, "/messages/analytics", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	var own conversation.Analytics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &own))
	assert.EqualValues(t, 1, own.ConversationsByStatus[conversation.StatusOpen])
	assert.EqualValues(t, 1, own.MessagesByChannel[conversation.ChannelSMS])

	rec = env.do(t, http.MethodGet, "/ai/stats", "", outsider)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalRuns":0`)
	rec = env.do(t, http.MethodGet, "/ai/stats", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalRuns":1`)
}
