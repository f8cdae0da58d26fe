package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.SystemInstruction)
		assert.Equal(t, "sys", body.SystemInstruction.Parts[0].Text)
		assert.Equal(t, "application/json", body.GenerationConfig.ResponseMimeType)
		assert.Equal(t, 1000, body.GenerationConfig.MaxOutputTokens)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"x\":"},{"text":"2}"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(&config.GeminiConfig{APIKey: "g-key", Model: "gemini-test", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), &entities.LLMRequest{
		SystemPrompt:      "sys",
		UserMessage:       "u",
		MaxTokens:         1000,
		ResponseShapeHint: entities.ResponseShapeJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"x":2}`, out)
}

func TestInvoke_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(&config.GeminiConfig{APIKey: "g-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &entities.LLMRequest{})
	assert.ErrorIs(t, err, providers.ErrLLMUnauthorized)
}

func TestInvoke_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(&config.GeminiConfig{APIKey: "g-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &entities.LLMRequest{})
	assert.ErrorContains(t, err, "no candidates")
}
