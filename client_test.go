package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelClientCall(t *testing.T) {
	t.Run("returns text and usage", func(t *testing.T) {
		server := MockChatServer(t, ChatCompletionHandler("Hello", &Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}))
		client := newTestClient("GPT", RoutePrimary, server.URL, "sk-test")

		text, usage, err := client.Call(context.Background(), []Message{{Role: RoleUser, Content: "Hi"}}, ModelParams{})

		require.NoError(t, err)
		assert.Equal(t, "Hello", text)
		require.NotNil(t, usage)
		assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}, *usage)

		reqs := server.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "Bearer sk-test", reqs[0].Auth)
		assert.Equal(t, "test/primary", reqs[0].Body.Model)
		assert.Equal(t, DefaultTemperature, reqs[0].Body.Temperature)
		assert.Equal(t, DefaultMaxTokens, reqs[0].Body.MaxTokens)
		assert.Equal(t, []Message{{Role: RoleUser, Content: "Hi"}}, reqs[0].Body.Messages)
	})

	t.Run("usage absent", func(t *testing.T) {
		server := MockChatServer(t, ChatCompletionHandler("ok", nil))
		client := newTestClient("GPT", RoutePrimary, server.URL, "sk-test")

		_, usage, err := client.Call(context.Background(), nil, ModelParams{})
		require.NoError(t, err)
		assert.Nil(t, usage)
	})

	t.Run("null content is empty text", func(t *testing.T) {
		server := MockChatServer(t, ErrorHandler(http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":null}}]}`))
		client := newTestClient("GPT", RoutePrimary, server.URL, "sk-test")

		text, _, err := client.Call(context.Background(), nil, ModelParams{})
		require.NoError(t, err)
		assert.Equal(t, "", text)
	})

	t.Run("explicit params are sent", func(t *testing.T) {
		server := MockChatServer(t, ChatCompletionHandler("ok", nil))
		client := newTestClient("Judge", RouteJudge, server.URL, "sk-test")

		temp, maxTokens, topP := 0.0, 300, 0.9
		_, _, err := client.Call(context.Background(), nil, ModelParams{Temperature: &temp, MaxTokens: &maxTokens, TopP: &topP})
		require.NoError(t, err)

		body := server.Requests()[0].Body
		assert.Equal(t, 0.0, body.Temperature)
		assert.Equal(t, 300, body.MaxTokens)
		require.NotNil(t, body.TopP)
		assert.Equal(t, 0.9, *body.TopP)
	})

	t.Run("missing key", func(t *testing.T) {
		client := newTestClient("GPT", RoutePrimary, "http://127.0.0.1:1", "")

		_, _, err := client.Call(context.Background(), nil, ModelParams{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingCredential))
		assert.Contains(t, err.Error(), "TEST_API_KEY not set")
	})

	t.Run("API error", func(t *testing.T) {
		server := MockChatServer(t, ErrorHandler(http.StatusBadRequest, `{"error":{"message":"invalid model"}}`))
		client := newTestClient("Hermes", RouteSecondary, server.URL, "sk-test")

		_, _, err := client.Call(context.Background(), nil, ModelParams{})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "invalid model", apiErr.Message)
		assert.Equal(t, "BadRequestError", apiErr.Class())
	})

	t.Run("no choices", func(t *testing.T) {
		server := MockChatServer(t, ErrorHandler(http.StatusOK, `{"choices":[]}`))
		client := newTestClient("GPT", RoutePrimary, server.URL, "sk-test")

		_, _, err := client.Call(context.Background(), nil, ModelParams{})
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		server := MockChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})
		client := newTestClient("GPT", RoutePrimary, server.URL, "sk-test")
		client.HTTPClient.Timeout = 50 * time.Millisecond

		_, _, err := client.Call(context.Background(), nil, ModelParams{})
		assert.Error(t, err)
	})
}

func TestModelClientCallSafe(t *testing.T) {
	t.Run("API error becomes inline reply", func(t *testing.T) {
		server := MockChatServer(t, ErrorHandler(http.StatusBadRequest, `{"error":{"message":"invalid model"}}`))
		client := newTestClient("Hermes", RouteSecondary, server.URL, "sk-test")

		text, usage := client.CallSafe(context.Background(), nil, ModelParams{})

		assert.Equal(t, "[Hermes BadRequestError: invalid model]", text)
		require.NotNil(t, usage)
		assert.Equal(t, "invalid model", usage.Error)
	})

	t.Run("missing key becomes inline reply", func(t *testing.T) {
		client := NewModelClient("Hermes", RouteSecondary, "OPENROUTER_API_KEY", "http://127.0.0.1:1", "", "m", time.Second)

		text, usage := client.CallSafe(context.Background(), nil, ModelParams{})

		assert.Equal(t, "[Hermes: OPENROUTER_API_KEY not set]", text)
		require.NotNil(t, usage)
		assert.Equal(t, "OPENROUTER_API_KEY not set", usage.Error)
	})

	t.Run("success passes through", func(t *testing.T) {
		server := MockChatServer(t, ChatCompletionHandler("yo", nil))
		client := newTestClient("Hermes", RouteSecondary, server.URL, "sk-test")

		text, usage := client.CallSafe(context.Background(), nil, ModelParams{})
		assert.Equal(t, "yo", text)
		assert.Nil(t, usage)
	})

	t.Run("transport failure", func(t *testing.T) {
		client := newTestClient("Hermes", RouteSecondary, "http://127.0.0.1:1", "sk-test")

		text, usage := client.CallSafe(context.Background(), nil, ModelParams{})
		assert.True(t, strings.HasPrefix(text, "[Hermes Error: "), text)
		require.NotNil(t, usage)
		assert.NotEmpty(t, usage.Error)
	})
}

func TestAPIErrorClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{400, "BadRequestError"},
		{401, "AuthenticationError"},
		{403, "PermissionDeniedError"},
		{404, "NotFoundError"},
		{422, "UnprocessableEntityError"},
		{429, "RateLimitError"},
		{500, "InternalServerError"},
		{503, "InternalServerError"},
		{409, "APIStatusError"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, (&APIError{StatusCode: tt.status}).Class())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad key", errorMessage([]byte(`{"error":{"message":"bad key"}}`)))
	assert.Equal(t, "upstream exploded", errorMessage([]byte("upstream exploded\n")))
	assert.Equal(t, "empty response body", errorMessage(nil))
}
