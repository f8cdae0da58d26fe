// Package llmapi is the JSON-over-HTTP transport shared by the model vendor
// clients. It classifies failures into providers.LLMError so the gateway can
// decide what to retry.
package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 512

// HTTPClient posts JSON to one vendor's API
type HTTPClient struct {
	provider   string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPClient creates a client for provider rooted at baseURL. Headers are
// sent on every request.
func NewHTTPClient(provider, baseURL string, headers map[string]string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		headers:  headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the API root
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// PostJSON sends in as JSON to path and decodes the response into out
func (c *HTTPClient) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &providers.LLMError{Provider: c.provider, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &providers.LLMError{Provider: c.provider, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return providers.NewTransportError(c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return providers.NewHTTPStatusError(c.provider, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &providers.LLMError{Provider: c.provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
