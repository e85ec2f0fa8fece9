package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/retry"
)

type scriptedHandler struct {
	errs  map[string][]error
	calls map[string]int
}

func (h *scriptedHandler) HandleEvent(_ context.Context, evt *GatewayEvent) (Outcome, error) {
	n := h.calls[evt.ID]
	h.calls[evt.ID]++
	if errs := h.errs[evt.ID]; n < len(errs) && errs[n] != nil {
		return "", errs[n]
	}
	return OutcomeApplied, nil
}

func newScripted() *scriptedHandler {
	return &scriptedHandler{errs: make(map[string][]error), calls: make(map[string]int)}
}

func enqueue(t *testing.T, inbox Inbox, id string, at time.Time) {
	t.Helper()
	created, err := inbox.Enqueue(context.Background(), &GatewayEvent{
		ID: id, Type: EventPaymentProcessing, InvoiceReference: "inv", PaymentReference: "pi",
	}, []byte(`{}`), at)
	require.NoError(t, err)
	require.True(t, created)
}

func TestWorker_ProcessesQueuedEvents(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewMemoryInbox()
	h := newScripted()
	w := NewWorker(inbox, h, testLogger()).WithClock(func() time.Time { return now })

	enqueue(t, inbox, "e1", now)
	enqueue(t, inbox, "e2", now)

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := inbox.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, InboxProcessed, e.Status)
	assert.Equal(t, string(OutcomeApplied), e.Outcome)
}

func TestWorker_TransientFailureBacksOff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewMemoryInbox()
	h := newScripted()
	h.errs["e1"] = []error{errors.New("db down")}
	w := NewWorker(inbox, h, testLogger()).
		WithBackoff(3, time.Second, time.Minute).
		WithClock(func() time.Time { return now })

	enqueue(t, inbox, "e1", now)
	_, err := w.Drain(context.Background())
	require.NoError(t, err)

	e, _ := inbox.Get(context.Background(), "e1")
	assert.Equal(t, InboxQueued, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, now.Add(time.Second), e.NextAttemptAt)
	assert.Equal(t, "db down", e.LastError)

	// Not due yet.
	n, _ := w.Drain(context.Background())
	assert.Equal(t, 0, n)

	now = now.Add(time.Second)
	n, _ = w.Drain(context.Background())
	assert.Equal(t, 1, n)
	e, _ = inbox.Get(context.Background(), "e1")
	assert.Equal(t, InboxProcessed, e.Status)
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewMemoryInbox()
	h := newScripted()
	boom := errors.New("still down")
	h.errs["e1"] = []error{boom, boom, boom}
	w := NewWorker(inbox, h, testLogger()).
		WithBackoff(3, time.Second, time.Minute).
		WithClock(func() time.Time { return now })

	enqueue(t, inbox, "e1", now)
	for i := 0; i < 3; i++ {
		_, err := w.Drain(context.Background())
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	e, _ := inbox.Get(context.Background(), "e1")
	assert.Equal(t, InboxDead, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, 3, h.calls["e1"])

	dead, err := inbox.List(context.Background(), InboxDead, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestWorker_PermanentErrorDeadLettersImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewMemoryInbox()
	h := newScripted()
	h.errs["e1"] = []error{retry.Permanent(ErrCurrencyMismatch)}
	w := NewWorker(inbox, h, testLogger()).WithClock(func() time.Time { return now })

	enqueue(t, inbox, "e1", now)
	_, err := w.Drain(context.Background())
	require.NoError(t, err)

	e, _ := inbox.Get(context.Background(), "e1")
	assert.Equal(t, InboxDead, e.Status)
	assert.Equal(t, 1, e.Attempts)

	// Operator replay puts it back in the queue.
	require.NoError(t, inbox.Requeue(context.Background(), "e1", now))
	_, err = w.Drain(context.Background())
	require.NoError(t, err)
	e, _ = inbox.Get(context.Background(), "e1")
	assert.Equal(t, InboxProcessed, e.Status)
}

func TestMemoryInbox_DuplicateEnqueueAndLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox := NewMemoryInbox()
	ctx := context.Background()
	enqueue(t, inbox, "e1", now)

	created, err := inbox.Enqueue(ctx, &GatewayEvent{ID: "e1"}, nil, now)
	require.NoError(t, err)
	assert.False(t, created)

	claimed, err := inbox.Claim(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Leased events are not handed out again until the lease expires.
	claimed, _ = inbox.Claim(ctx, now.Add(30*time.Second), 10, time.Minute)
	assert.Empty(t, claimed)
	claimed, _ = inbox.Claim(ctx, now.Add(2*time.Minute), 10, time.Minute)
	assert.Len(t, claimed, 1)

	assert.ErrorIs(t, inbox.Requeue(ctx, "e1", now), ErrNotDead)
	assert.ErrorIs(t, inbox.Requeue(ctx, "missing", now), ErrEventNotFound)
}

func TestWorker_EndToEndWithReconciler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, inv := f.owingInvoice(t, 12_000)

	inbox := NewMemoryInbox()
	w := NewWorker(inbox, f.rec, testLogger()).WithClock(func() time.Time { return f.now })

	evt := succeeded("evt_e2e", inv.ID, "pi_e2e", 12_000)
	_, err := inbox.Enqueue(ctx, evt, []byte(`{}`), f.now)
	require.NoError(t, err)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 0, f.balance(t, acct.ID))
}

func TestWorker_RefundBeforeSettlementRetriesUntilPosted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, inv := f.owingInvoice(t, 12_000)

	inbox := NewMemoryInbox()
	w := NewWorker(inbox, f.rec, testLogger()).
		WithBackoff(5, time.Second, time.Minute).
		WithClock(func() time.Time { return f.now })

	processing := &GatewayEvent{ID: "evt_proc", Type: EventPaymentProcessing,
		InvoiceReference: inv.ID, PaymentReference: "pi_ooo"}
	refund := &GatewayEvent{ID: "evt_refund", Type: EventPaymentRefunded,
		Amount: 5_000, PaymentReference: "pi_ooo"}
	for _, e := range []*GatewayEvent{processing, refund} {
		_, err := inbox.Enqueue(ctx, e, []byte(`{}`), f.now)
		require.NoError(t, err)
	}
	_, err := w.Drain(ctx)
	require.NoError(t, err)

	e, err := inbox.Get(ctx, "evt_refund")
	require.NoError(t, err)
	assert.Equal(t, InboxQueued, e.Status, "refund waits for the payment to settle")
	assert.Equal(t, 1, e.Attempts)

	_, err = inbox.Enqueue(ctx, succeeded("evt_paid", inv.ID, "pi_ooo", 12_000), []byte(`{}`), f.now)
	require.NoError(t, err)
	_, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.balance(t, acct.ID))

	f.now = f.now.Add(2 * time.Second)
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	e, err = inbox.Get(ctx, "evt_refund")
	require.NoError(t, err)
	assert.Equal(t, InboxProcessed, e.Status)
	assert.EqualValues(t, -5_000, f.balance(t, acct.ID))
}
