package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProviderChat(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-2024-08-06",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Karibu! How can I help?"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("sk-test", srv.URL+"/v1", 5*time.Second)
	require.NoError(t, err)

	res, err := p.Chat(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleSystem, Content: "be nice"},
			{Role: RoleUser, Content: "hello"},
		},
		MaxTokens:        300,
		Temperature:      0.85,
		PresencePenalty:  0.3,
		FrequencyPenalty: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "Karibu! How can I help?", res.Message.Content)
	assert.Equal(t, RoleAssistant, res.Message.Role)
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	assert.Equal(t, 42, res.Usage.PromptTokens)
	assert.Equal(t, 7, res.Usage.CompletionTokens)
	assert.Equal(t, 49, res.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o", got["model"])
	assert.EqualValues(t, 300, got["max_tokens"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIProviderErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "requests"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("sk-test", srv.URL, time.Second)
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIProvider(" ", "", 0)
	assert.Error(t, err)
}
