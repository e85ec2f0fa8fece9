package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// OverdueTimer periodically sweeps overdue invoices for late fees.
type OverdueTimer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewOverdueTimer creates a new overdue sweep timer.
func NewOverdueTimer(service *Service, logger *slog.Logger) *OverdueTimer {
	return &OverdueTimer{
		service:  service,
		interval: 1 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *OverdueTimer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *OverdueTimer) Start(ctx context.Context) {
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
func (t *OverdueTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *OverdueTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in overdue timer", "panic", fmt.Sprint(r))
		}
	}()
	res, err := t.service.SweepOverdue(ctx)
	if err != nil {
		t.logger.Warn("overdue sweep failed", "error", err)
		return
	}
	if res.MarkedOverdue > 0 || res.FeesCharged > 0 || res.FeesWaived > 0 {
		t.logger.Info("overdue sweep complete", "marked_overdue", res.MarkedOverdue,
			"fees_charged", res.FeesCharged, "fees_waived", res.FeesWaived, "fee_total", res.FeeTotal.String())
	}
}
