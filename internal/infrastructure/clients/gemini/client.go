package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/llmapi"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

const (
	// ProviderName identifies this adapter in the gateway registry.
	ProviderName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Client calls the Gemini generateContent endpoint
type Client struct {
	model string
	http  *llmapi.HTTPClient
}

var _ providers.LLMProvider = (*Client)(nil)

// NewClient creates a new Gemini client
func NewClient(cfg *config.GeminiConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-pro"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		model: model,
		http: llmapi.NewHTTPClient(ProviderName, baseURL, map[string]string{
			"x-goog-api-key": cfg.APIKey,
		}, 0),
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

// Invoke returns the text of the first candidate
func (c *Client) Invoke(ctx context.Context, req *entities.LLMRequest) (string, error) {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.UserMessage}}}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if req.ResponseShapeHint == entities.ResponseShapeJSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	var resp generateResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model))
	if err := c.http.PostJSON(ctx, path, body, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		return "", &providers.LLMError{Provider: ProviderName, Err: errors.New("response has no candidates")}
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", &providers.LLMError{Provider: ProviderName, Err: fmt.Errorf("empty candidate (finish reason %s)", resp.Candidates[0].FinishReason)}
	}
	return sb.String(), nil
}
