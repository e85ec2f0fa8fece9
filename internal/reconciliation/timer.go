package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/circuitbreaker"
	"github.com/mbd888/creditledger/internal/retry"
)

// PaymentGateway re-attempts a failed payment with the provider. A nil
// error means the provider accepted the attempt; its outcome arrives later
// as a webhook.
type PaymentGateway interface {
	RetryPayment(ctx context.Context, p *billing.PaymentTransaction, idempotencyKey string) error
}

const gatewayBreakerKey = "payment-gateway"

// RetryScheduler periodically re-attempts payments whose retry is due.
type RetryScheduler struct {
	queue      RetryQueue
	payments   billing.Store
	gateway    PaymentGateway
	breaker    *circuitbreaker.Breaker
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewRetryScheduler creates a retry scheduler. Failures it sees are counted
// against the reconciler's attempt budget.
func NewRetryScheduler(queue RetryQueue, reconciler *Reconciler, gateway PaymentGateway, logger *slog.Logger) *RetryScheduler {
	return &RetryScheduler{
		queue:      queue,
		payments:   reconciler.billing,
		gateway:    gateway,
		breaker:    circuitbreaker.New(5, time.Minute),
		reconciler: reconciler,
		interval:   time.Minute,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *RetryScheduler) Running() bool {
	return s.running.Load()
}

// Breaker exposes the gateway circuit state for ops reporting.
func (s *RetryScheduler) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Start begins the periodic retry loop. Call in a goroutine.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *RetryScheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *RetryScheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in payment retry scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("payment retry run failed", "error", err)
	}
}

// RunOnce attempts every due retry and returns how many were sent to the
// gateway. An open circuit leaves the remaining retries queued.
func (s *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	r := s.reconciler
	due, err := s.queue.Due(ctx, r.now().UTC(), 100)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range due {
		if !s.breaker.Allow(gatewayBreakerKey) {
			paymentRetries.WithLabelValues("circuit_open").Inc()
			return sent, nil
		}
		ok, err := s.attempt(ctx, e)
		if err != nil {
			s.logger.Warn("payment retry failed", "payment_id", e.PaymentID, "error", err)
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *RetryScheduler) attempt(ctx context.Context, e *RetryEntry) (bool, error) {
	r := s.reconciler
	p, err := s.payments.GetPayment(ctx, e.PaymentID)
	if errors.Is(err, billing.ErrPaymentNotFound) {
		return false, s.queue.Remove(ctx, e.PaymentID)
	}
	if err != nil {
		return false, err
	}
	if p.Status != billing.PaymentFailed || p.Exhausted {
		// Settled or cancelled since it was queued.
		return false, s.queue.Remove(ctx, e.PaymentID)
	}

	key := fmt.Sprintf("retry:%s:%d", p.ID, p.RetryCount)
	callErr := s.gateway.RetryPayment(ctx, p, key)
	now := r.now().UTC()
	if callErr == nil {
		s.breaker.RecordSuccess(gatewayBreakerKey)
		paymentRetries.WithLabelValues("submitted").Inc()
		_ = p.Transition(billing.PaymentProcessing, now)
		if err := s.payments.UpdatePayment(ctx, p); err != nil {
			return true, err
		}
		return true, s.queue.Remove(ctx, p.ID)
	}

	if retry.IsPermanent(callErr) || errors.Is(callErr, ErrPaymentDeclined) {
		// The provider answered; only the payment is bad.
		s.breaker.RecordSuccess(gatewayBreakerKey)
	} else {
		s.breaker.RecordFailure(gatewayBreakerKey)
	}
	paymentRetries.WithLabelValues("failed").Inc()
	p.RetryCount++
	p.FailureReason = callErr.Error()
	p.UpdatedAt = now
	if retry.IsPermanent(callErr) || p.RetryCount >= r.cfg.MaxAttempts {
		p.Exhausted = true
	}
	if err := s.payments.UpdatePayment(ctx, p); err != nil {
		return false, err
	}
	if p.Exhausted {
		r.failTerminal(ctx, p)
		return false, s.queue.Remove(ctx, p.ID)
	}
	return false, s.queue.Schedule(ctx, &RetryEntry{
		PaymentID:     p.ID,
		InvoiceID:     p.InvoiceID,
		AccountID:     p.AccountID,
		Attempt:       p.RetryCount,
		NextAttemptAt: now.Add(retry.Backoff(p.RetryCount, r.cfg.RetryBase, r.cfg.RetryMax)),
		LastError:     callErr.Error(),
		UpdatedAt:     now,
	})
}
