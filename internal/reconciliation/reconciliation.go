// Package reconciliation matches payment gateway events to invoices and
// drives the ledger from them.
//
// Webhook deliveries are queued in an inbox, drained by a worker, and each
// event is applied at most once: the gateway's event ID is the idempotency
// key both for the gateway-scope guard and for the resulting ledger entry.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/retry"
	"github.com/mbd888/creditledger/internal/syncutil"
	"github.com/mbd888/creditledger/internal/traces"
)

var (
	ErrInvalidEvent     = errors.New("invalid gateway event")
	ErrUnknownEventType = errors.New("unknown gateway event type")
	ErrCurrencyMismatch = errors.New("event currency does not match invoice")
	ErrRefundExceeds    = errors.New("refund exceeds refundable amount")
	ErrEventNotFound    = errors.New("gateway event not found")
	ErrNotSettled       = errors.New("payment not settled yet")
	ErrNotDead          = errors.New("gateway event is not dead-lettered")
)

// EventType is a payment gateway event type.
type EventType string

const (
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventChargeback        EventType = "payment.chargeback"
)

// Valid reports whether t is a handled event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPaymentProcessing, EventPaymentSucceeded, EventPaymentFailed,
		EventPaymentRefunded, EventChargeback:
		return true
	}
	return false
}

// GatewayEvent is one webhook delivery from the payment gateway.
// PaymentReference is optional: without it the payment is found through
// the invoice.
type GatewayEvent struct {
	ID               string       `json:"event_id"`
	Type             EventType    `json:"type"`
	Amount           money.Amount `json:"amount"`
	Currency         string       `json:"currency"`
	InvoiceReference string       `json:"invoice_reference"`
	PaymentReference string       `json:"payment_reference"`
	Status           string       `json:"status,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
}

// Validate checks the fields every event type needs.
func (e *GatewayEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if len(e.ID) > idempotency.MaxKeyLength {
		return fmt.Errorf("%w: event_id too long", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.PaymentReference == "" && e.InvoiceReference == "" {
		return fmt.Errorf("%w: payment_reference or invoice_reference is required", ErrInvalidEvent)
	}
	switch e.Type {
	case EventPaymentSucceeded, EventPaymentRefunded, EventChargeback:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
		}
	}
	if e.Type != EventPaymentRefunded && e.Type != EventChargeback && e.InvoiceReference == "" {
		return fmt.Errorf("%w: invoice_reference is required", ErrInvalidEvent)
	}
	return nil
}

// lockKey serialises events that touch the same payment.
func (e *GatewayEvent) lockKey() string {
	if e.PaymentReference != "" {
		return "payment:" + e.PaymentReference
	}
	return "invoice:" + e.InvoiceReference
}

// Fingerprint identifies the event's effect for conflict detection.
func (e *GatewayEvent) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%s|%s", e.Type, int64(e.Amount), e.InvoiceReference, e.PaymentReference)
}

// Outcome describes what handling an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Applier writes ledger entries.
type Applier interface {
	Apply(ctx context.Context, req credit.ApplyRequest) (*ledger.Entry, bool, error)
}

// Config tunes retry scheduling for failed payments.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// DefaultConfig returns the production retry schedule.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, RetryBase: time.Minute, RetryMax: 6 * time.Hour}
}

// Reconciler applies gateway events to payments, invoices and the ledger.
type Reconciler struct {
	billing billing.Store
	ledger  Applier
	keys    idempotency.KeyStore
	guard   *idempotency.Guard
	retries RetryQueue
	outbox  events.Outbox
	locks   syncutil.KeyedMutex
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(store billing.Store, applier Applier, keys idempotency.KeyStore, retries RetryQueue, outbox events.Outbox, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Reconciler{
		billing: store,
		ledger:  applier,
		keys:    keys,
		guard:   idempotency.NewGuard(),
		retries: retries,
		outbox:  outbox,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// HandleEvent applies evt exactly once. Errors marked with retry.Permanent
// will never succeed on redelivery; any other error is transient.
func (r *Reconciler) HandleEvent(ctx context.Context, evt *GatewayEvent) (outcome Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.HandleEvent",
		traces.GatewayEventID(evt.ID), traces.Amount(int64(evt.Amount)))
	defer func() {
		traces.Finish(span, err)
		eventsHandled.WithLabelValues(string(evt.Type), outcomeLabel(outcome, err)).Inc()
	}()

	if err := evt.Validate(); err != nil {
		return "", retry.Permanent(err)
	}

	// Events for one payment are serialised so a redelivery cannot race the
	// original through the guard.
	unlock, err := r.locks.LockContext(ctx, evt.lockKey())
	if err != nil {
		return "", err
	}
	defer unlock()

	applied, _, err := r.guard.Check(ctx, r.keys, idempotency.ScopeGateway, evt.ID, evt.Fingerprint())
	if errors.Is(err, idempotency.ErrKeyConflict) {
		return "", retry.Permanent(err)
	}
	if err != nil {
		return "", err
	}
	if applied {
		return OutcomeDuplicate, nil
	}

	var resultID string
	switch evt.Type {
	case EventPaymentProcessing:
		resultID, outcome, err = r.onProcessing(ctx, evt)
	case EventPaymentSucceeded:
		resultID, outcome, err = r.onSucceeded(ctx, evt)
	case EventPaymentFailed:
		resultID, outcome, err = r.onFailed(ctx, evt)
	case EventPaymentRefunded:
		resultID, outcome, err = r.onReversal(ctx, evt, billing.PaymentRefund)
	case EventChargeback:
		resultID, outcome, err = r.onReversal(ctx, evt, billing.PaymentChargeback)
	}
	if err != nil {
		return "", err
	}

	if _, _, err := r.guard.CheckAndReserve(ctx, r.keys, idempotency.ScopeGateway, evt.ID, evt.Fingerprint(), resultID); err != nil {
		return "", err
	}
	r.logger.Info("gateway event reconciled", "event_id", evt.ID, "type", evt.Type,
		"payment_reference", evt.PaymentReference, "invoice_reference", evt.InvoiceReference, "outcome", outcome)
	return outcome, nil
}

func (r *Reconciler) resolveInvoice(ctx context.Context, ref string) (*billing.Invoice, error) {
	inv, err := r.billing.GetInvoice(ctx, ref)
	if errors.Is(err, billing.ErrInvoiceNotFound) {
		inv, err = r.billing.GetInvoiceByNumber(ctx, ref)
	}
	// An unknown invoice is left transient: the gateway can deliver before
	// the order service has recorded the invoice.
	return inv, err
}

// paymentFor returns the charge an event refers to, creating a pending one
// against the invoice on first sight.
func (r *Reconciler) paymentFor(ctx context.Context, evt *GatewayEvent, inv *billing.Invoice) (*billing.PaymentTransaction, error) {
	p, err := r.findCharge(ctx, evt, inv)
	if err != nil || p != nil {
		return p, err
	}
	return r.createCharge(ctx, evt, inv)
}

// findCharge looks the charge up by gateway reference or, for events that
// name only the invoice, picks the invoice's latest unsettled charge. A nil
// payment means none exists yet.
func (r *Reconciler) findCharge(ctx context.Context, evt *GatewayEvent, inv *billing.Invoice) (*billing.PaymentTransaction, error) {
	if evt.PaymentReference == "" {
		payments, err := r.billing.ListPaymentsByInvoice(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		for i := len(payments) - 1; i >= 0; i-- {
			p := payments[i]
			if p.Type != billing.PaymentCharge {
				continue
			}
			switch p.Status {
			case billing.PaymentPending, billing.PaymentProcessing, billing.PaymentFailed:
				return p, nil
			}
		}
		return nil, nil
	}

	p, err := r.billing.GetPaymentByGatewayRef(ctx, evt.PaymentReference)
	if errors.Is(err, billing.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.InvoiceID != inv.ID {
		return nil, retry.Permanent(fmt.Errorf("%w: payment %s belongs to invoice %s", ErrInvalidEvent, p.ID, p.InvoiceID))
	}
	return p, nil
}

// createCharge records a pending charge. Without a payment reference the
// event ID stands in as the gateway reference.
func (r *Reconciler) createCharge(ctx context.Context, evt *GatewayEvent, inv *billing.Invoice) (*billing.PaymentTransaction, error) {
	ref := evt.PaymentReference
	if ref == "" {
		ref = evt.ID
	}
	// Processing and failure events may omit the amount; the attempt is for
	// what the invoice still owes.
	amount := evt.Amount
	if amount <= 0 {
		amount = inv.BalanceDue
	}
	if amount <= 0 {
		amount = inv.Total
	}
	now := r.now().UTC()
	p := &billing.PaymentTransaction{
		ID:               idgen.WithPrefix("pay_"),
		AccountID:        inv.AccountID,
		InvoiceID:        inv.ID,
		Type:             billing.PaymentCharge,
		Amount:           amount,
		Currency:         inv.Currency,
		Status:           billing.PaymentPending,
		GatewayReference: ref,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.billing.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, billing.ErrDuplicatePayment) {
			return r.billing.GetPaymentByGatewayRef(ctx, ref)
		}
		return nil, err
	}
	return p, nil
}

// settledBy returns the invoice's charge already settled by entryID, if any.
func (r *Reconciler) settledBy(ctx context.Context, invoiceID, entryID string) (*billing.PaymentTransaction, error) {
	payments, err := r.billing.ListPaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Type == billing.PaymentCharge && p.LedgerEntryID == entryID {
			return p, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) onProcessing(ctx context.Context, evt *GatewayEvent) (string, Outcome, error) {
	inv, err := r.resolveInvoice(ctx, evt.InvoiceReference)
	if err != nil {
		return "", "", err
	}
	p, err := r.paymentFor(ctx, evt, inv)
	if err != nil {
		return "", "", err
	}
	if !billing.CanTransition(p.Status, billing.PaymentProcessing) {
		return p.ID, OutcomeIgnored, nil
	}
	_ = p.Transition(billing.PaymentProcessing, r.now().UTC())
	if err := r.billing.UpdatePayment(ctx, p); err != nil {
		return "", "", err
	}
	return p.ID, OutcomeApplied, nil
}

func (r *Reconciler) onSucceeded(ctx context.Context, evt *GatewayEvent) (string, Outcome, error) {
	inv, err := r.resolveInvoice(ctx, evt.InvoiceReference)
	if err != nil {
		return "", "", err
	}
	if evt.Currency != "" {
		cur, err := money.NormalizeCurrency(evt.Currency)
		if err != nil || cur != inv.Currency {
			return "", "", retry.Permanent(fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, evt.Currency, inv.Currency))
		}
	}
	p, err := r.findCharge(ctx, evt, inv)
	if err != nil {
		return "", "", err
	}
	if p != nil {
		if p.Status == billing.PaymentCompleted || p.Status == billing.PaymentReversed {
			// Settled by an earlier delivery that crashed before reserving its key.
			return p.ID, OutcomeDuplicate, nil
		}
		if !billing.CanTransition(p.Status, billing.PaymentCompleted) {
			return "", "", retry.Permanent(fmt.Errorf("%w: payment %s is %s", billing.ErrInvalidTransition, p.ID, p.Status))
		}
	}

	ref := evt.PaymentReference
	if ref == "" {
		ref = evt.ID
	}
	entry, replayed, err := r.ledger.Apply(ctx, credit.ApplyRequest{
		AccountID:      inv.AccountID,
		Delta:          evt.Amount,
		Reference:      ledger.Reference{Kind: ledger.RefInvoice, ID: inv.ID},
		IdempotencyKey: evt.ID,
		Description:    fmt.Sprintf("Payment %s for %s", ref, inv.Number),
	})
	if err != nil {
		return "", "", classifyApply(err)
	}
	if replayed && evt.PaymentReference == "" {
		settled, err := r.settledBy(ctx, inv.ID, entry.ID)
		if err != nil {
			return "", "", err
		}
		if settled != nil {
			return settled.ID, OutcomeDuplicate, nil
		}
	}
	if p == nil {
		if p, err = r.createCharge(ctx, evt, inv); err != nil {
			return "", "", err
		}
	}

	now := r.now().UTC()
	from := inv.Status
	p.Amount = evt.Amount
	p.LedgerEntryID = entry.ID
	p.FailureReason = ""
	_ = p.Transition(billing.PaymentCompleted, now)
	inv.ApplyPayment(evt.Amount, now)
	if err := r.billing.Settle(ctx, p, inv); err != nil {
		return "", "", err
	}
	if r.retries != nil {
		if err := r.retries.Remove(ctx, p.ID); err != nil {
			r.logger.Warn("failed to clear payment retry", "payment_id", p.ID, "error", err)
		}
	}
	r.emit(ctx, inv, from)
	paymentsSettled.WithLabelValues(string(inv.Status)).Inc()
	return entry.ID, OutcomeApplied, nil
}

func (r *Reconciler) onFailed(ctx context.Context, evt *GatewayEvent) (string, Outcome, error) {
	inv, err := r.resolveInvoice(ctx, evt.InvoiceReference)
	if err != nil {
		return "", "", err
	}
	p, err := r.paymentFor(ctx, evt, inv)
	if err != nil {
		return "", "", err
	}
	if !billing.CanTransition(p.Status, billing.PaymentFailed) {
		return p.ID, OutcomeIgnored, nil
	}
	now := r.now().UTC()
	_ = p.Transition(billing.PaymentFailed, now)
	p.RetryCount++
	p.FailureReason = evt.FailureReason
	if p.RetryCount >= r.cfg.MaxAttempts {
		p.Exhausted = true
	}
	if err := r.billing.UpdatePayment(ctx, p); err != nil {
		return "", "", err
	}

	if p.Exhausted {
		if r.retries != nil {
			_ = r.retries.Remove(ctx, p.ID)
		}
		r.failTerminal(ctx, p)
		return p.ID, OutcomeApplied, nil
	}
	if r.retries != nil {
		next := now.Add(retry.Backoff(p.RetryCount, r.cfg.RetryBase, r.cfg.RetryMax))
		if err := r.retries.Schedule(ctx, &RetryEntry{
			PaymentID:     p.ID,
			InvoiceID:     p.InvoiceID,
			AccountID:     p.AccountID,
			Attempt:       p.RetryCount,
			NextAttemptAt: next,
			LastError:     evt.FailureReason,
		}); err != nil {
			return "", "", err
		}
	}
	return p.ID, OutcomeApplied, nil
}

func (r *Reconciler) onReversal(ctx context.Context, evt *GatewayEvent, kind billing.PaymentType) (string, Outcome, error) {
	orig, err := r.originalPayment(ctx, evt)
	if err != nil {
		return "", "", err
	}
	switch orig.Status {
	case billing.PaymentCompleted:
	case billing.PaymentPending, billing.PaymentProcessing, billing.PaymentFailed:
		// Gateways do not order deliveries; the settling event may follow.
		return "", "", fmt.Errorf("%w: payment %s is %s", ErrNotSettled, orig.ID, orig.Status)
	default:
		return "", "", retry.Permanent(fmt.Errorf("%w: payment %s is %s", billing.ErrInvalidTransition, orig.ID, orig.Status))
	}
	refundable := orig.Amount - orig.RefundedAmount
	if evt.Amount > refundable {
		return "", "", retry.Permanent(fmt.Errorf("%w: %s requested, %s refundable", ErrRefundExceeds, evt.Amount, refundable))
	}
	inv, err := r.billing.GetInvoice(ctx, orig.InvoiceID)
	if err != nil {
		return "", "", err
	}
	if kind == billing.PaymentRefund && evt.Amount < refundable {
		kind = billing.PaymentPartialRefund
	}

	entry, _, err := r.ledger.Apply(ctx, credit.ApplyRequest{
		AccountID:      orig.AccountID,
		Delta:          -evt.Amount,
		Reference:      ledger.Reference{Kind: ledger.RefPayment, ID: orig.ID},
		IdempotencyKey: evt.ID,
		Description:    fmt.Sprintf("%s of payment %s", kind, orig.GatewayReference),
	})
	if err != nil {
		return "", "", classifyApply(err)
	}

	now := r.now().UTC()
	from := inv.Status
	reversal := &billing.PaymentTransaction{
		ID:                idgen.WithPrefix("pay_"),
		AccountID:         orig.AccountID,
		InvoiceID:         orig.InvoiceID,
		Type:              kind,
		Amount:            evt.Amount,
		Currency:          orig.Currency,
		Status:            billing.PaymentCompleted,
		GatewayReference:  evt.ID,
		OriginalPaymentID: orig.ID,
		LedgerEntryID:     entry.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	orig.RefundedAmount += evt.Amount
	orig.UpdatedAt = now
	if orig.RefundedAmount == orig.Amount {
		_ = orig.Transition(billing.PaymentReversed, now)
	}
	inv.ApplyReversal(evt.Amount, now)
	if err := r.billing.SettleReversal(ctx, reversal, orig, inv); err != nil {
		if errors.Is(err, billing.ErrDuplicatePayment) {
			return entry.ID, OutcomeDuplicate, nil
		}
		return "", "", err
	}
	r.emit(ctx, inv, from)
	return entry.ID, OutcomeApplied, nil
}

// originalPayment finds the charge a refund or chargeback reverses. Without
// a payment reference it is the invoice's latest completed charge that can
// still cover the amount, falling back to its latest unsettled one.
func (r *Reconciler) originalPayment(ctx context.Context, evt *GatewayEvent) (*billing.PaymentTransaction, error) {
	if evt.PaymentReference != "" {
		return r.billing.GetPaymentByGatewayRef(ctx, evt.PaymentReference)
	}
	inv, err := r.resolveInvoice(ctx, evt.InvoiceReference)
	if err != nil {
		return nil, err
	}
	payments, err := r.billing.ListPaymentsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	var fallback *billing.PaymentTransaction
	for i := len(payments) - 1; i >= 0; i-- {
		p := payments[i]
		if p.Type != billing.PaymentCharge {
			continue
		}
		if p.Status == billing.PaymentCompleted && p.Amount-p.RefundedAmount >= evt.Amount {
			return p, nil
		}
		if fallback == nil || fallback.Status == billing.PaymentReversed {
			fallback = p
		}
	}
	if fallback == nil {
		return nil, billing.ErrPaymentNotFound
	}
	return fallback, nil
}

// classifyApply marks business-rule rejections from the ledger as
// permanent. Store failures stay transient; the ledger key makes the
// retry safe.
func classifyApply(err error) error {
	status, _ := credit.ErrorStatus(err)
	if status >= 500 {
		return err
	}
	return retry.Permanent(err)
}

func (r *Reconciler) failTerminal(ctx context.Context, p *billing.PaymentTransaction) {
	paymentsExhausted.Inc()
	r.logger.Error("payment retries exhausted", "payment_id", p.ID, "invoice_id", p.InvoiceID,
		"attempts", p.RetryCount, "reason", p.FailureReason)
	if r.outbox == nil {
		return
	}
	evt, err := events.New(events.TypePaymentFailedFinal, p.AccountID, map[string]interface{}{
		"payment_id":     p.ID,
		"invoice_id":     p.InvoiceID,
		"attempts":       p.RetryCount,
		"failure_reason": p.FailureReason,
	})
	if err == nil {
		err = r.outbox.Append(ctx, evt)
	}
	if err != nil {
		r.logger.Warn("failed to record payment failure event", "payment_id", p.ID, "error", err)
	}
}

func (r *Reconciler) emit(ctx context.Context, inv *billing.Invoice, from billing.InvoiceStatus) {
	if r.outbox == nil || inv.Status == from {
		return
	}
	evt, err := billing.InvoiceStatusEvent(inv, from)
	if err == nil {
		err = r.outbox.Append(ctx, evt)
	}
	if err != nil {
		r.logger.Warn("failed to record invoice event", "invoice_id", inv.ID, "error", err)
	}
}

func outcomeLabel(o Outcome, err error) string {
	switch {
	case err == nil:
		return string(o)
	case retry.IsPermanent(err):
		return "rejected"
	default:
		return "error"
	}
}
