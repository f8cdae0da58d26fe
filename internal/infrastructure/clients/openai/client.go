package openai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/llmapi"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ProviderName identifies this adapter in the gateway registry.
	ProviderName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Client calls the OpenAI Responses API.
type Client struct {
	model   string
	http    *llmapi.HTTPClient
	limiter *tokenBucket
}

var _ providers.LLMProvider = (*Client)(nil)

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.OpenAIConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		model: model,
		http: llmapi.NewHTTPClient(ProviderName, baseURL, map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		}, 0),
		limiter: newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Content []responseContent `json:"content"`
}

type responseEnvelope struct {
	Output []responseOutput `json:"output"`
}

// Invoke sends the system prompt and user message and returns the first
// output text block.
func (c *Client) Invoke(ctx context.Context, req *entities.LLMRequest) (string, error) {
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		recordRateLimitWait(ctx, c.model, time.Since(waitStart))
	}

	payload := map[string]interface{}{
		"model": c.model,
		"input": []map[string]string{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": req.UserMessage},
		},
		"temperature":       req.Temperature,
		"max_output_tokens": req.MaxTokens,
	}
	if req.ResponseShapeHint == entities.ResponseShapeJSON {
		payload["text"] = map[string]interface{}{
			"format": map[string]string{"type": "json_object"},
		}
	}

	var envelope responseEnvelope
	if err := c.http.PostJSON(ctx, "/responses", payload, &envelope); err != nil {
		return "", err
	}

	for _, out := range envelope.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text, nil
			}
		}
	}
	return "", &providers.LLMError{Provider: ProviderName, Err: errors.New("response missing output text")}
}

func newTokenBucket(rpm int, burst int) *tokenBucket {
	if rpm == 0 {
		rpm = 60
	}
	if rpm < 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return newTokenBucketWithRate(rpm, burst)
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucketWithRate(rpm int, burst int) *tokenBucket {
	bucket := &tokenBucket{
		tokens: make(chan struct{}, burst),
	}

	for i := 0; i < burst; i++ {
		bucket.tokens <- struct{}{}
	}

	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case bucket.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return bucket
}

func (b *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.tokens:
		return nil
	}
}

var (
	rateLimitOnce sync.Once
	rateLimitWait metric.Float64Histogram
)

func recordRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	rateLimitOnce.Do(func() {
		h, err := otel.Meter("github.com/zatekoja/clinicalvalidation/openai").Float64Histogram(
			"ai.openai.rate_limit.wait",
			metric.WithDescription("Time spent waiting for OpenAI rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err == nil {
			rateLimitWait = h
		}
	})
	if rateLimitWait == nil {
		return
	}
	rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(
		attribute.String("ai.provider", ProviderName),
		attribute.String("ai.model", model),
	))
}
