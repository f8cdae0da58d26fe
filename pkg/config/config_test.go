package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_TypesenseConfig(t *testing.T) {
	t.Setenv("TYPESENSE_URL", "http://test-typesense:8108")
	t.Setenv("TYPESENSE_API_KEY", "test-key")

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, "http://test-typesense:8108", cfg.Typesense.URL)
	assert.Equal(t, "test-key", cfg.Typesense.APIKey)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TYPESENSE_URL", "")
	t.Setenv("LLM_PROVIDERS", "")
	t.Setenv("SEARCH_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8108", cfg.Typesense.URL)
	assert.Equal(t, "typesense", cfg.Search.Backend)
	assert.Equal(t, 10, cfg.Search.TopN)
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.LLM.Providers)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 500, cfg.Validation.DefaultWordLimit)
	assert.Equal(t, time.Hour, cfg.Validation.ContextCacheTTL)
	assert.Equal(t, 20, cfg.Validation.ContextCachePrefix)
	assert.Equal(t, 1000, cfg.Indexer.BatchSize)
}

func TestLoad_ProviderList(t *testing.T) {
	t.Setenv("LLM_PROVIDERS", " OpenAI, gemini ,,")
	t.Setenv("LLM_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"openai", "gemini"}, cfg.LLM.Providers)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
}

func TestLoad_InvalidSearchBackend(t *testing.T) {
	t.Setenv("SEARCH_BACKEND", "elastic")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NegativeRetriesClamped(t *testing.T) {
	t.Setenv("LLM_MAX_RETRIES", "-3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LLM.MaxRetries)
}

func TestLoad_RetriesCappedAtTwo(t *testing.T) {
	t.Setenv("LLM_MAX_RETRIES", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MaxLLMRetries, cfg.LLM.MaxRetries)
}
