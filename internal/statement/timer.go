package statement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditledger/internal/ledger"
)

// RunResult summarises one monthly snapshot run.
type RunResult struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Created     int       `json:"created"`
	Existing    int       `json:"existing"`
	Failed      int       `json:"failed"`
}

// MonthlyTimer snapshots the previous calendar month for every account.
// It wakes hourly; accounts that already have the snapshot are skipped, so
// the first tick after a month boundary does the work.
type MonthlyTimer struct {
	generator *Generator
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewMonthlyTimer creates a statement snapshot timer.
func NewMonthlyTimer(generator *Generator, logger *slog.Logger) *MonthlyTimer {
	return &MonthlyTimer{
		generator: generator,
		interval:  time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *MonthlyTimer) Running() bool {
	return t.running.Load()
}

// Start begins the snapshot loop. Call in a goroutine.
func (t *MonthlyTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)
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
func (t *MonthlyTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *MonthlyTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in statement timer", "panic", fmt.Sprint(r))
		}
	}()
	res, err := t.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("statement snapshot run failed", "error", err)
		return
	}
	if res.Created > 0 || res.Failed > 0 {
		t.logger.Info("statement snapshots",
			"period_start", res.PeriodStart, "created", res.Created, "failed", res.Failed)
	}
}

// RunOnce snapshots the month before the generator's current time.
func (t *MonthlyTimer) RunOnce(ctx context.Context) (*RunResult, error) {
	start, end := PreviousMonth(t.generator.now())
	res := &RunResult{PeriodStart: start, PeriodEnd: end}

	accounts, err := t.generator.ledger.ListAccounts(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if acct.Status == ledger.StatusPending || !acct.CreatedAt.Before(end) {
			continue
		}
		_, created, err := t.generator.Snapshot(ctx, acct.ID, start, end)
		switch {
		case err != nil:
			res.Failed++
			snapshotRunFailures.Inc()
			t.logger.Warn("statement snapshot failed", "account", acct.ID, "error", err)
		case created:
			res.Created++
		default:
			res.Existing++
		}
	}
	return res, nil
}
