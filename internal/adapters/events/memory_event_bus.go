package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// MemoryEventBus fans events out within a single process. Used when Redis is
// not configured.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *entities.ValidationEvent]struct{}
	closed      bool
}

var _ providers.EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subscribers: make(map[string]map[chan *entities.ValidationEvent]struct{})}
}

// Publish delivers the event to current subscribers without blocking
func (b *MemoryEventBus) Publish(_ context.Context, channel string, event *entities.ValidationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subscriber := range b.subscribers[channel] {
		select {
		case subscriber <- event:
		default:
			log.Warn().Str("channel", channel).Str("event_id", event.ID).Msg("Subscriber channel full, skipping event")
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done
func (b *MemoryEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.ValidationEvent, error) {
	eventChan := make(chan *entities.ValidationEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(eventChan)
		return eventChan, nil
	}
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[chan *entities.ValidationEvent]struct{})
	}
	b.subscribers[channel][eventChan] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[channel][eventChan]; ok {
			delete(b.subscribers[channel], eventChan)
			close(eventChan)
		}
	}()
	return eventChan, nil
}

// Close closes every subscriber channel
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for channel, subscribers := range b.subscribers {
		for subscriber := range subscribers {
			close(subscriber)
		}
		delete(b.subscribers, channel)
	}
	return nil
}
