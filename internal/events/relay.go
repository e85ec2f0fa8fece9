package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const relayBatchSize = 100

// Relay periodically drains the outbox into a Publisher.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	wake      chan struct{}
	running   atomic.Bool
}

// NewRelay creates a new outbox relay.
func NewRelay(outbox Outbox, publisher Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  2 * time.Second,
		logger:    logger,
		stop:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// WithInterval overrides the polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Notify asks the relay to drain without waiting for the next tick.
// Never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start begins the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		case <-r.wake:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(rec))
		}
	}()
	if _, err := r.Drain(ctx); err != nil {
		r.logger.Warn("outbox relay failed", "error", err)
	}
}

// Drain publishes pending events in order until the outbox is empty or a
// publish fails. Events after a failed one stay queued so per-aggregate
// order is preserved. Returns the number published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := r.outbox.Pending(ctx, relayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load pending events: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		done := make([]string, 0, len(batch))
		var pubErr error
		for _, evt := range batch {
			if err := r.publisher.Publish(ctx, evt); err != nil {
				pubErr = fmt.Errorf("publish %s %s: %w", evt.Type, evt.ID, err)
				break
			}
			eventsPublished.WithLabelValues(string(evt.Type)).Inc()
			done = append(done, evt.ID)
		}
		if err := r.outbox.MarkPublished(ctx, done); err != nil {
			return total, fmt.Errorf("mark published: %w", err)
		}
		total += len(done)
		if pubErr != nil {
			eventsPublishErrors.Inc()
			return total, pubErr
		}
		if len(batch) < relayBatchSize {
			return total, nil
		}
	}
}
