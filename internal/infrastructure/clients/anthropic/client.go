package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/llmapi"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

const (
	// ProviderName identifies this adapter in the gateway registry.
	ProviderName   = "anthropic"
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client calls the Anthropic Messages API
type Client struct {
	model string
	http  *llmapi.HTTPClient
}

var _ providers.LLMProvider = (*Client)(nil)

// NewClient creates a new Anthropic client
func NewClient(cfg *config.AnthropicConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-7-sonnet-20250219"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		model: model,
		http: llmapi.NewHTTPClient(ProviderName, baseURL, map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": apiVersion,
		}, 0),
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

// Invoke concatenates the text blocks of the reply
func (c *Client) Invoke(ctx context.Context, req *entities.LLMRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	var resp messagesResponse
	err := c.http.PostJSON(ctx, "/v1/messages", messagesRequest{
		Model:       c.model,
		System:      req.SystemPrompt,
		Messages:    []message{{Role: "user", Content: req.UserMessage}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &providers.LLMError{Provider: ProviderName, Err: errors.New("response has no text content")}
	}
	return sb.String(), nil
}
