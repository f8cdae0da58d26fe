package search

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

// Fallback reasons recorded on search.fallback.count.
const (
	ReasonError       = "error"
	ReasonCircuitOpen = "circuit_open"
	ReasonEmpty       = "empty"
	ReasonNoPrimary   = "no_primary"
)

// BreakerSettings tunes the circuit breaker guarding the primary index.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit; zero disables tripping.
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

// FallbackSearch tries the primary index and answers from the fallback when
// the primary errors, is tripped open, or finds nothing.
type FallbackSearch struct {
	primary  providers.SearchIndex
	fallback providers.SearchIndex
	breaker  *gobreaker.CircuitBreaker
	metrics  *observability.Metrics
}

var _ providers.SearchIndex = (*FallbackSearch)(nil)

// NewFallbackSearch composes primary and fallback. A nil primary sends every
// query to the fallback.
func NewFallbackSearch(primary, fallback providers.SearchIndex, settings BreakerSettings, metrics *observability.Metrics) *FallbackSearch {
	f := &FallbackSearch{primary: primary, fallback: fallback, metrics: metrics}
	if primary == nil {
		return f
	}

	failures := settings.ConsecutiveFailures
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "search:" + primary.Name(),
		MaxRequests: 1,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.GetLogger().Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Search circuit breaker state changed")
		},
		// A cancelled request says nothing about the index's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return f
}

func (f *FallbackSearch) Name() string {
	if f.primary == nil {
		return f.fallback.Name()
	}
	return f.primary.Name() + "+" + f.fallback.Name()
}

// Search never surfaces a primary failure; only a fallback error reaches the caller.
func (f *FallbackSearch) Search(ctx context.Context, query providers.SearchQuery) (*entities.SearchResult, error) {
	if f.primary == nil {
		return f.fromFallback(ctx, query, ReasonNoPrimary, nil)
	}

	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.primary.Search(ctx, query)
	})
	if err != nil {
		reason := ReasonError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = ReasonCircuitOpen
		}
		return f.fromFallback(ctx, query, reason, err)
	}

	result, _ := out.(*entities.SearchResult)
	if result.IsEmpty() {
		return f.fromFallback(ctx, query, ReasonEmpty, nil)
	}
	return result, nil
}

func (f *FallbackSearch) fromFallback(ctx context.Context, query providers.SearchQuery, reason string, cause error) (*entities.SearchResult, error) {
	logger := observability.LoggerFromContext(ctx)
	event := logger.Info()
	if cause != nil {
		event = logger.Warn().Err(cause)
	}
	event.Str("reason", reason).Str("fallback", f.fallback.Name()).Msg("Search cache bypassed")
	observability.RecordSearchFallback(ctx, f.metrics, reason)

	return f.fallback.Search(ctx, query)
}

// State reports the breaker state for health output.
func (f *FallbackSearch) State() string {
	if f.breaker == nil {
		return "disabled"
	}
	return f.breaker.State().String()
}
