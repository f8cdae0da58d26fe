package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

// scriptedProvider returns errs in order, then text.
type scriptedProvider struct {
	name  string
	text  string
	errs  []error
	block bool

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return p.name + "-model" }

func (p *scriptedProvider) Invoke(ctx context.Context, _ *entities.LLMRequest) (string, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(p.errs) {
		return "", p.errs[i]
	}
	return p.text, nil
}

func fastConfig() GatewayConfig {
	return GatewayConfig{Timeout: time.Second, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func TestGateway_SucceedsAfterTransientRetry(t *testing.T) {
	p := &scriptedProvider{name: "anthropic", text: "{}", errs: []error{
		providers.NewHTTPStatusError("anthropic", http.StatusBadGateway, "bad gateway"),
	}}
	g, err := NewGateway(NewRegistry(p), []string{"anthropic"}, fastConfig(), nil)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), &entities.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "anthropic-model", resp.Model)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 2, p.calls)
}

func TestGateway_AuthErrorNotRetried(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", errs: []error{
		providers.NewHTTPStatusError("anthropic", http.StatusUnauthorized, "bad key"),
	}}
	secondary := &scriptedProvider{name: "openai", text: "{}"}
	g, err := NewGateway(NewRegistry(primary, secondary), []string{"anthropic", "openai"}, fastConfig(), nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
	assert.ErrorIs(t, err, providers.ErrLLMUnauthorized)
	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, secondary.calls)
}

func TestGateway_BadRequestNotRetried(t *testing.T) {
	p := &scriptedProvider{name: "openai", errs: []error{
		providers.NewHTTPStatusError("openai", http.StatusBadRequest, "bad"),
	}}
	g, err := NewGateway(NewRegistry(p), []string{"openai"}, fastConfig(), nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
	assert.Equal(t, 1, p.calls)
}

func TestGateway_FallsThroughToNextProvider(t *testing.T) {
	transient := providers.NewHTTPStatusError("anthropic", http.StatusServiceUnavailable, "overloaded")
	primary := &scriptedProvider{name: "anthropic", errs: []error{transient, transient, transient}}
	secondary := &scriptedProvider{name: "openai", text: `{"ok":true}`}
	g, err := NewGateway(NewRegistry(primary, secondary), []string{"anthropic", "openai"}, fastConfig(), nil)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), &entities.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 4, resp.Attempts)
}

func TestGateway_ExhaustedIsUnavailable(t *testing.T) {
	transient := providers.NewTransportError("openai", errors.New("connection reset"))
	p := &scriptedProvider{name: "openai", errs: []error{transient, transient, transient, transient}}
	g, err := NewGateway(NewRegistry(p), []string{"openai"}, fastConfig(), nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnavailable))
	assert.Equal(t, 3, p.calls)
}

func TestGateway_RateLimitedNotRetried(t *testing.T) {
	p := &scriptedProvider{name: "openai", text: "{}", errs: []error{
		providers.NewHTTPStatusError("openai", http.StatusTooManyRequests, "slow down"),
	}}
	g, err := NewGateway(NewRegistry(p), []string{"openai"}, fastConfig(), nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
	assert.Equal(t, 1, p.calls)
}

func TestNewGateway_RetriesCapped(t *testing.T) {
	transient := providers.NewTransportError("openai", errors.New("connection reset"))
	p := &scriptedProvider{name: "openai", errs: []error{transient, transient, transient, transient, transient, transient}}
	cfg := fastConfig()
	cfg.MaxRetries = 9
	g, err := NewGateway(NewRegistry(p), []string{"openai"}, cfg, nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	assert.Error(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestGateway_TimeoutIsTransient(t *testing.T) {
	p := &scriptedProvider{name: "gemini", block: true}
	cfg := GatewayConfig{Timeout: 10 * time.Millisecond, MaxRetries: 1, RetryDelay: time.Millisecond}
	g, err := NewGateway(NewRegistry(p), []string{"gemini"}, cfg, nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), &entities.LLMRequest{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnavailable))
	assert.Equal(t, 2, p.calls)
}

func TestGateway_CallerCancelled(t *testing.T) {
	p := &scriptedProvider{name: "openai", block: true}
	g, err := NewGateway(NewRegistry(p), []string{"openai"}, fastConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = g.Invoke(ctx, &entities.LLMRequest{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnavailable))
}

func TestNewGateway_NoProviders(t *testing.T) {
	_, err := NewGateway(NewRegistry(), []string{"openai"}, fastConfig(), nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
}

func TestNewGateway_SkipsUnregistered(t *testing.T) {
	g, err := NewGateway(NewRegistry(&scriptedProvider{name: "openai"}), []string{"anthropic", "OpenAI", "openai"}, fastConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, g.Providers())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&scriptedProvider{name: "openai"}, &scriptedProvider{name: "Anthropic"})
	assert.Equal(t, []string{"anthropic", "openai"}, r.Names())

	_, ok := r.Get(" ANTHROPIC ")
	assert.True(t, ok)
	_, ok = r.Get("gemini")
	assert.False(t, ok)

	chain, missing, err := r.Resolve([]string{"gemini", "openai"})
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	assert.Equal(t, []string{"gemini"}, missing)
}
