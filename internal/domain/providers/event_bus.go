package providers

import (
	"context"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to validation events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.ValidationEvent) error

	// Subscribe returns a stream of events on a channel until ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan *entities.ValidationEvent, error)

	// Close closes the event bus and all subscriptions
	Close() error
}

const (
	// EventChannelValidationUpdates carries every order's events
	EventChannelValidationUpdates = "validation:updates"

	// EventChannelOrderPrefix is the prefix for order-specific channels
	EventChannelOrderPrefix = "validation:order:"
)

// GetOrderChannel returns the channel name for a specific order
func GetOrderChannel(orderID string) string {
	return EventChannelOrderPrefix + orderID
}
