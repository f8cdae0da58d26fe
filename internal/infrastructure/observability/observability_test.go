package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics_NoopMeter(t *testing.T) {
	m, err := InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordLLMCall(ctx, m, "openai", "gpt-4o-mini", "ok", 10*time.Millisecond, false)
		RecordSearchFallback(ctx, m, "empty")
		RecordContextCache(ctx, m, true)
		RecordValidationAttempt(ctx, m, "appropriate")
		RecordIndexedDocuments(ctx, m, "bleve", "diagnosis", 3)
		RecordRequestMetric(ctx, m, "GET", "/health", 200, time.Millisecond)
	})
}

func TestRecorders_NilMetrics(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordLLMCall(ctx, nil, "openai", "m", "error", time.Second, true)
		RecordSearchFallback(ctx, nil, "error")
		RecordContextCache(ctx, nil, false)
		RecordValidationAttempt(ctx, nil, "override")
		RecordIndexedDocuments(ctx, nil, "typesense", "mapping", 1)
	})
}

func TestWithOrder(t *testing.T) {
	InitLogger("test", "production")
	logger := WithOrder(context.Background(), "order-1")
	assert.NotNil(t, logger)
}

func TestContextWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	WithOrder(ctx, "order-1").Info().Msg("hello")

	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"order_id":"order-1"`)
}
