package providers

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// OrderStatusProvider reports whether the order-finalization collaborator
// has committed an order.
type OrderStatusProvider interface {
	IsFinalized(ctx context.Context, orderID string) (bool, error)
}

// QuotaChecker is the external rate-limiting hook consulted before every
// attempt. It decides whether clarification attempts count against a quota.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, req *entities.ValidationRequest, summary entities.AttemptSummary) error
}
