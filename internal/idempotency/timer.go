package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// PurgeTimer periodically removes gateway keys past their retention.
type PurgeTimer struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewPurgeTimer creates a retention timer for the gateway scope.
func NewPurgeTimer(purger Purger, retention time.Duration, logger *slog.Logger) *PurgeTimer {
	return &PurgeTimer{
		purger:    purger,
		retention: retention,
		interval:  6 * time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the purge loop is active.
func (t *PurgeTimer) Running() bool {
	return t.running.Load()
}

// Start begins the purge loop. Call in a goroutine.
func (t *PurgeTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *PurgeTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *PurgeTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in idempotency purge", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx, time.Now()); err != nil {
		t.logger.Warn("idempotency purge failed", "error", err)
	}
}

// RunOnce purges gateway keys older than now minus the retention.
func (t *PurgeTimer) RunOnce(ctx context.Context, now time.Time) (int64, error) {
	n, err := t.purger.PurgeKeys(ctx, ScopeGateway, now.Add(-t.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("purged gateway idempotency keys", "count", n)
	}
	return n, nil
}
