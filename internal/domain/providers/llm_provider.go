package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// LLMProvider is one model vendor behind the gateway. Adapters only marshal
// requests and responses; retries and timeouts belong to the gateway.
type LLMProvider interface {
	Name() string
	Model() string
	Invoke(ctx context.Context, req *entities.LLMRequest) (string, error)
}

// ErrLLMUnauthorized marks rejected credentials.
var ErrLLMUnauthorized = errors.New("llm provider rejected credentials")

// LLMError is a classified provider failure.
type LLMError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *LLMError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }

// NewHTTPStatusError classifies a non-2xx provider response. 5xx is
// transient; every 4xx, 429 included, is not retried.
func NewHTTPStatusError(provider string, status int, body string) *LLMError {
	var err error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = fmt.Errorf("%w: %s", ErrLLMUnauthorized, body)
	default:
		err = fmt.Errorf("request failed: %s", body)
	}
	return &LLMError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  status >= 500,
		Err:        err,
	}
}

// NewTransportError wraps a network-level failure, always retryable.
func NewTransportError(provider string, err error) *LLMError {
	return &LLMError{Provider: provider, Retryable: true, Err: err}
}

// IsRetryable reports whether err is a transient provider failure. Deadline
// and network errors without classification count as transient.
func IsRetryable(err error) bool {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
