package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/retry"
)

// EventHandler reconciles one gateway event.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt *GatewayEvent) (Outcome, error)
}

// Worker drains the inbox, retrying transient failures with backoff and
// dead-lettering events that exhaust their attempts.
type Worker struct {
	inbox       Inbox
	handler     EventHandler
	maxAttempts int
	base        time.Duration
	max         time.Duration
	lease       time.Duration
	batch       int
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
	wake        chan struct{}
	stop        chan struct{}
	running     atomic.Bool
}

// NewWorker creates an inbox worker.
func NewWorker(inbox Inbox, handler EventHandler, logger *slog.Logger) *Worker {
	return &Worker{
		inbox:       inbox,
		handler:     handler,
		maxAttempts: 8,
		base:        5 * time.Second,
		max:         30 * time.Minute,
		lease:       2 * time.Minute,
		batch:       50,
		interval:    5 * time.Second,
		logger:      logger,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// WithBackoff sets the attempt budget and backoff bounds.
func (w *Worker) WithBackoff(maxAttempts int, base, max time.Duration) *Worker {
	w.maxAttempts = maxAttempts
	w.base = base
	w.max = max
	return w
}

// WithClock overrides the time source (for testing).
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Notify wakes the worker after an enqueue. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the drain loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		case <-w.wake:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in gateway inbox worker", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.Drain(ctx); err != nil {
		w.logger.Warn("gateway inbox drain failed", "error", err)
	}
	w.observeDepth(ctx)
}

// Drain claims and processes due events until none remain. It returns the
// number of events it handled, successfully or not.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := w.inbox.Claim(ctx, w.now().UTC(), w.batch, w.lease)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		for _, e := range batch {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			w.process(ctx, e)
			total++
		}
	}
}

func (w *Worker) process(ctx context.Context, e *InboxEvent) {
	id := e.Event.ID
	ctx = logging.With(logging.WithLogger(ctx, w.logger), "event_id", id, "type", e.Event.Type)
	log := logging.L(ctx)

	outcome, err := w.handler.HandleEvent(ctx, &e.Event)
	if err == nil {
		if err := w.inbox.MarkProcessed(ctx, id, string(outcome), w.now().UTC()); err != nil {
			log.Warn("failed to mark gateway event processed", "error", err)
		}
		return
	}

	attempts := e.Attempts + 1
	if retry.IsPermanent(err) || attempts >= w.maxAttempts {
		inboxDeadLettered.Inc()
		log.Error("gateway event dead-lettered", "attempts", attempts, "error", err)
		if err := w.inbox.MarkDead(ctx, id, attempts, err.Error()); err != nil {
			log.Warn("failed to dead-letter gateway event", "error", err)
		}
		return
	}

	next := w.now().UTC().Add(retry.Backoff(attempts, w.base, w.max))
	log.Warn("gateway event failed, will retry", "attempts", attempts, "next_attempt_at", next, "error", err)
	if err := w.inbox.MarkRetry(ctx, id, attempts, next, err.Error()); err != nil {
		log.Warn("failed to reschedule gateway event", "error", err)
	}
}

func (w *Worker) observeDepth(ctx context.Context) {
	counts, err := w.inbox.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, s := range []InboxStatus{InboxQueued, InboxProcessing, InboxProcessed, InboxDead} {
		inboxDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
