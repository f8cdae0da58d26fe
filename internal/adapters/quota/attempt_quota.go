package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

const keyPrefix = "validation:quota:"

// Config tunes the per-physician attempt quota.
type Config struct {
	// Limit is the number of chargeable attempts per window; 0 disables the quota.
	Limit  int
	Window time.Duration
	// CountClarifications charges resubmissions after needs_clarification.
	CountClarifications bool
}

// AttemptQuota limits how many validations a physician may start per window.
// The first attempt on an order is always chargeable, overrides never are.
// Counters are fixed windows in the shared counter store when one is
// configured and in process memory otherwise.
type AttemptQuota struct {
	cfg      Config
	counters providers.CounterProvider
	local    *localCounter
}

var _ providers.QuotaChecker = (*AttemptQuota)(nil)

// NewAttemptQuota creates a quota checker. counters may be nil.
func NewAttemptQuota(cfg Config, counters providers.CounterProvider) *AttemptQuota {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &AttemptQuota{cfg: cfg, counters: counters, local: newLocalCounter()}
}

// CheckQuota implements providers.QuotaChecker
func (q *AttemptQuota) CheckQuota(ctx context.Context, req *entities.ValidationRequest, summary entities.AttemptSummary) error {
	if q.cfg.Limit <= 0 || !q.chargeable(req, summary) {
		return nil
	}

	key := keyPrefix + subject(req)
	if q.allow(ctx, key) {
		return nil
	}
	return apperrors.NewRateLimitedError(fmt.Sprintf("validation quota of %d per %s exceeded", q.cfg.Limit, q.cfg.Window))
}

func (q *AttemptQuota) chargeable(req *entities.ValidationRequest, summary entities.AttemptSummary) bool {
	if req.IsOverride() {
		return false
	}
	if summary.Total == 0 {
		return true
	}
	return q.cfg.CountClarifications
}

func subject(req *entities.ValidationRequest) string {
	if req.PhysicianID != "" {
		return "physician:" + req.PhysicianID
	}
	return "anonymous"
}

// allow charges one attempt. When the shared store fails the process-local
// counter takes over so the quota still holds per instance.
func (q *AttemptQuota) allow(ctx context.Context, key string) bool {
	if q.counters == nil {
		return q.local.allow(key, q.cfg.Limit, q.cfg.Window)
	}

	count, err := q.counters.Incr(ctx, key, q.cfg.Window)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("Quota counter unavailable, using local counter")
		return q.local.allow(key, q.cfg.Limit, q.cfg.Window)
	}
	return count <= int64(q.cfg.Limit)
}

type localCounter struct {
	mu     sync.Mutex
	states map[string]*localState
	now    func() time.Time
}

type localState struct {
	count   int
	resetAt time.Time
}

func newLocalCounter() *localCounter {
	return &localCounter{states: make(map[string]*localState), now: time.Now}
}

func (l *localCounter) allow(key string, limit int, window time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[key]
	if !ok || now.After(state.resetAt) {
		state = &localState{resetAt: now.Add(window)}
		l.states[key] = state
	}
	if state.count >= limit {
		return false
	}
	state.count++
	return true
}
