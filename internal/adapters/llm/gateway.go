package llm

import (
	"context"
	"errors"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"github.com/zatekoja/clinicalvalidation/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
)

// Status labels on ai.llm.request.* metrics.
const (
	statusOK        = "ok"
	statusTimeout   = "timeout"
	statusTransient = "transient"
	statusRejected  = "rejected"
)

// maxRetries bounds retries per provider.
const maxRetries = 2

// GatewayConfig tunes per-call behaviour
type GatewayConfig struct {
	Timeout    time.Duration
	MaxRetries int
	// RetryDelay is the first backoff step; it doubles per retry.
	RetryDelay time.Duration
}

// Gateway invokes an ordered provider chain. Each provider gets a bounded
// number of retries on transient failures; the next provider is tried only
// once those are exhausted.
type Gateway struct {
	chain   []providers.LLMProvider
	cfg     GatewayConfig
	metrics *observability.Metrics
}

// NewGateway resolves chain against the registry. Unregistered names are
// logged and skipped.
func NewGateway(registry *Registry, chain []string, cfg GatewayConfig, metrics *observability.Metrics) (*Gateway, error) {
	resolved, missing, err := registry.Resolve(chain)
	if err != nil {
		return nil, apperrors.NewConfigurationError("llm gateway has no providers", err)
	}
	if len(missing) > 0 {
		observability.GetLogger().Warn().Strs("missing", missing).Msg("LLM providers not configured, skipping")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > maxRetries {
		observability.GetLogger().Warn().Int("requested", cfg.MaxRetries).Int("max", maxRetries).Msg("LLM retries capped")
		cfg.MaxRetries = maxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Gateway{chain: resolved, cfg: cfg, metrics: metrics}, nil
}

// Providers returns the resolved chain names
func (g *Gateway) Providers() []string {
	out := make([]string, len(g.chain))
	for i, p := range g.chain {
		out[i] = p.Name()
	}
	return out
}

// Invoke returns the raw model text. Rejected requests (auth or other 4xx)
// fail immediately with a CONFIGURATION error; exhausting every provider
// yields UNAVAILABLE.
func (g *Gateway) Invoke(ctx context.Context, req *entities.LLMRequest) (*entities.LLMResponse, error) {
	ctx, span := observability.StartSpan(ctx, "llm.invoke")
	defer span.End()

	logger := observability.LoggerFromContext(ctx)
	start := time.Now()
	attempts := 0
	var lastErr error

	for _, p := range g.chain {
		var text string
		err := retry.DoWithLog(ctx, retry.Config{
			MaxAttempts:   g.cfg.MaxRetries + 1,
			InitialDelay:  g.cfg.RetryDelay,
			MaxDelay:      10 * g.cfg.RetryDelay,
			BackoffFactor: 2.0,
		}, p.Name(), func() error {
			attempts++
			out, err := g.call(ctx, p, req)
			if err != nil {
				if !providers.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			text = out
			return nil
		}, func(attempt int, err error, nextDelay time.Duration) {
			logger.Warn().Err(err).Str("provider", p.Name()).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("LLM call failed, retrying")
		})

		if err == nil {
			observability.SetSpanAttributes(span,
				attribute.String("llm.provider", p.Name()),
				attribute.Int("llm.attempts", attempts),
			)
			return &entities.LLMResponse{
				Provider: p.Name(),
				Model:    p.Model(),
				Content:  text,
				Elapsed:  time.Since(start),
				Attempts: attempts,
			}, nil
		}

		observability.RecordError(span, err)
		if ctx.Err() != nil {
			return nil, apperrors.NewUnavailableError("validation temporarily unavailable", err)
		}
		if !providers.IsRetryable(err) {
			return nil, apperrors.NewConfigurationError("llm provider rejected the request", err)
		}
		logger.Error().Err(err).Str("provider", p.Name()).Msg("LLM provider exhausted retries")
		lastErr = err
	}

	return nil, apperrors.NewUnavailableError("validation temporarily unavailable", lastErr)
}

func (g *Gateway) call(ctx context.Context, p providers.LLMProvider, req *entities.LLMRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	text, err := p.Invoke(callCtx, req)
	elapsed := time.Since(start)

	status := statusOK
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		status = statusTimeout
		if !providers.IsRetryable(err) {
			err = providers.NewTransportError(p.Name(), err)
		}
	case providers.IsRetryable(err):
		status = statusTransient
	default:
		status = statusRejected
	}
	observability.RecordLLMCall(ctx, g.metrics, p.Name(), p.Model(), status, elapsed, err != nil)

	observability.LoggerFromContext(ctx).Debug().
		Str("provider", p.Name()).
		Str("model", p.Model()).
		Str("status", status).
		Dur("elapsed", elapsed).
		Msg("LLM call finished")
	return text, err
}
