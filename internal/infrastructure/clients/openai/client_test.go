package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL, RateLimitRPM: -1})
	require.NoError(t, err)
	return c
}

func TestInvoke_ReturnsOutputText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		assert.EqualValues(t, 4000, body["max_output_tokens"])
		input := body["input"].([]interface{})
		assert.Equal(t, "system", input[0].(map[string]interface{})["role"])
		assert.Equal(t, "dictation", input[1].(map[string]interface{})["content"])
		assert.NotNil(t, body["text"])

		_, _ = w.Write([]byte(`{"output":[{"content":[{"type":"reasoning","text":""},{"type":"output_text","text":"{\"ok\":true}"}]}]}`))
	})

	out, err := c.Invoke(context.Background(), &entities.LLMRequest{
		SystemPrompt:      "sys",
		UserMessage:       "dictation",
		MaxTokens:         4000,
		Temperature:       0.2,
		ResponseShapeHint: entities.ResponseShapeJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "gpt-test", c.Model())
}

func TestInvoke_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Invoke(context.Background(), &entities.LLMRequest{})
	assert.True(t, errors.Is(err, providers.ErrLLMUnauthorized))
	assert.False(t, providers.IsRetryable(err))
}

func TestInvoke_MissingText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":[]}`))
	})

	_, err := c.Invoke(context.Background(), &entities.LLMRequest{})
	assert.ErrorContains(t, err, "missing output text")
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(&config.OpenAIConfig{})
	assert.Error(t, err)
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	b := newTokenBucketWithRate(1, 1)
	require.NoError(t, b.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestNewTokenBucket_Disabled(t *testing.T) {
	assert.Nil(t, newTokenBucket(-1, 0))
	assert.NotNil(t, newTokenBucket(0, 0))
}
