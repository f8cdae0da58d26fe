package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

// TableOrders is owned by the order controller; this adapter only reads it.
const TableOrders = "orders"

// OrderStatusAdapter reports finalization from the order controller's table.
type OrderStatusAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

var _ providers.OrderStatusProvider = (*OrderStatusAdapter)(nil)

// NewOrderStatusAdapter creates a new order status adapter
func NewOrderStatusAdapter(client *postgres.Client) *OrderStatusAdapter {
	return &OrderStatusAdapter{client: client, db: goqu.New("postgres", client.DB())}
}

// IsFinalized reports whether the order has a finalized timestamp. Unknown
// orders are not finalized.
func (a *OrderStatusAdapter) IsFinalized(ctx context.Context, orderID string) (bool, error) {
	query, args, err := a.db.From(TableOrders).
		Select(goqu.L("finalized_at IS NOT NULL")).
		Where(goqu.C("id").Eq(orderID)).
		Limit(1).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build query", err)
	}

	var finalized bool
	if err := a.client.DB().QueryRowContext(ctx, query, args...).Scan(&finalized); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apperrors.NewInternalError("failed to read order status", err)
	}
	return finalized, nil
}
