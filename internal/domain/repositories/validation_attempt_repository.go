package repositories

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// ValidationAttemptRepository stores the append-only attempt history.
type ValidationAttemptRepository interface {
	// Append assigns the next attempt number for the order and persists the
	// attempt. Numbers are strictly increasing per order, without gaps.
	Append(ctx context.Context, attempt *entities.ValidationAttempt) error

	// ListByOrder returns every attempt for an order, oldest first
	ListByOrder(ctx context.Context, orderID string) ([]*entities.ValidationAttempt, error)

	// Latest returns the most recent attempt, or nil when the order has none
	Latest(ctx context.Context, orderID string) (*entities.ValidationAttempt, error)
}
