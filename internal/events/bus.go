package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes a published event.
type Handler func(ctx context.Context, evt *Event)

// Bus is an in-process Publisher that fans events out to subscribers.
// Used when no broker is configured, and in tests.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{handlers: make(map[Type][]Handler), logger: logger}
}

// Subscribe registers h for events of type t. An empty t subscribes to all.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		b.all = append(b.all, h)
		return
	}
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers evt synchronously to every matching subscriber.
// A panicking subscriber is logged and skipped.
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.all))
	hs = append(hs, b.handlers[evt.Type]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(ctx, h, evt)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, h Handler, evt *Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked", "type", evt.Type, "event_id", evt.ID, "panic", r)
		}
	}()
	h(ctx, evt)
}
