package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/retry"
)

type fakeGateway struct {
	errs []error
	keys []string
}

func (g *fakeGateway) RetryPayment(_ context.Context, _ *billing.PaymentTransaction, key string) error {
	g.keys = append(g.keys, key)
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func failPayment(t *testing.T, f *fixture, invoiceID string) *billing.PaymentTransaction {
	t.Helper()
	_, err := f.rec.HandleEvent(context.Background(), &GatewayEvent{ID: "evt_fail_" + invoiceID,
		Type: EventPaymentFailed, InvoiceReference: invoiceID, PaymentReference: "pi_" + invoiceID})
	require.NoError(t, err)
	p, err := f.billing.GetPaymentByGatewayRef(context.Background(), "pi_"+invoiceID)
	require.NoError(t, err)
	return p
}

func TestRetryScheduler_SubmitsDueRetry(t *testing.T) {
	f := newFixture(t)
	_, inv := f.owingInvoice(t, 5_000)
	p := failPayment(t, f, inv.ID)
	gw := &fakeGateway{}
	s := NewRetryScheduler(f.retries, f.rec, gw, testLogger())

	sent, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "retry is not due yet")

	f.now = f.now.Add(time.Minute)
	sent, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"retry:" + p.ID + ":1"}, gw.keys)

	got, _ := f.billing.GetPayment(context.Background(), p.ID)
	assert.Equal(t, billing.PaymentProcessing, got.Status)
	_, queued := f.retries.Get(p.ID)
	assert.False(t, queued)
}

func TestRetryScheduler_GatewayErrorReschedulesThenExhausts(t *testing.T) {
	f := newFixture(t)
	_, inv := f.owingInvoice(t, 5_000)
	p := failPayment(t, f, inv.ID)
	gw := &fakeGateway{errs: []error{ErrPaymentDeclined, ErrPaymentDeclined}}
	s := NewRetryScheduler(f.retries, f.rec, gw, testLogger())

	f.now = f.now.Add(time.Minute)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	got, _ := f.billing.GetPayment(context.Background(), p.ID)
	assert.Equal(t, 2, got.RetryCount)
	e, queued := f.retries.Get(p.ID)
	require.True(t, queued)
	assert.Equal(t, f.now.Add(2*time.Minute), e.NextAttemptAt)

	f.now = f.now.Add(2 * time.Minute)
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	got, _ = f.billing.GetPayment(context.Background(), p.ID)
	assert.True(t, got.Exhausted)
	assert.Equal(t, billing.PaymentFailed, got.Status)
	_, queued = f.retries.Get(p.ID)
	assert.False(t, queued)
}

func TestRetryScheduler_PermanentGatewayErrorExhaustsImmediately(t *testing.T) {
	f := newFixture(t)
	_, inv := f.owingInvoice(t, 5_000)
	p := failPayment(t, f, inv.ID)
	gw := &fakeGateway{errs: []error{retry.Permanent(errors.New("no such payment_intent"))}}
	s := NewRetryScheduler(f.retries, f.rec, gw, testLogger())

	f.now = f.now.Add(time.Minute)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	got, _ := f.billing.GetPayment(context.Background(), p.ID)
	assert.True(t, got.Exhausted)
}

func TestRetryScheduler_SettledPaymentDropsRetry(t *testing.T) {
	f := newFixture(t)
	_, inv := f.owingInvoice(t, 5_000)
	p := failPayment(t, f, inv.ID)

	// Re-add the queue entry after the payment settles, as a stale row would be.
	_, err := f.rec.HandleEvent(context.Background(), succeeded("evt_ok", inv.ID, p.GatewayReference, 5_000))
	require.NoError(t, err)
	require.NoError(t, f.retries.Schedule(context.Background(), &RetryEntry{PaymentID: p.ID, NextAttemptAt: f.now}))

	gw := &fakeGateway{}
	s := NewRetryScheduler(f.retries, f.rec, gw, testLogger())
	sent, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Empty(t, gw.keys)
	_, queued := f.retries.Get(p.ID)
	assert.False(t, queued)
}

func TestRetryScheduler_OpenCircuitLeavesRetriesQueued(t *testing.T) {
	f := newFixture(t)
	_, inv := f.owingInvoice(t, 5_000)
	p := failPayment(t, f, inv.ID)
	gw := &fakeGateway{}
	s := NewRetryScheduler(f.retries, f.rec, gw, testLogger())
	for i := 0; i < 5; i++ {
		s.breaker.RecordFailure(gatewayBreakerKey)
	}

	f.now = f.now.Add(time.Minute)
	sent, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	_, queued := f.retries.Get(p.ID)
	assert.True(t, queued)
}
