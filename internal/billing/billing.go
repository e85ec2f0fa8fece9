// Package billing holds invoices and payment transactions. Invoices track
// what a business owes for orders; payment transactions record gateway
// money movements against them. Neither moves a balance by itself; the
// ledger entry for a payment or late fee is written through credit.Manager.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/money"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrDuplicateInvoice  = errors.New("invoice number already exists")
	ErrPaymentNotFound   = errors.New("payment transaction not found")
	ErrDuplicatePayment  = errors.New("payment transaction already recorded")
	ErrVersionConflict   = errors.New("record modified concurrently")
	ErrInvalidInvoice    = errors.New("invalid invoice")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvoiceStatus is an invoice lifecycle state.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoicePending   InvoiceStatus = "pending"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoicePartial   InvoiceStatus = "partial"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceRefunded  InvoiceStatus = "refunded"
)

// Open reports whether an invoice in this status still expects payment.
func (s InvoiceStatus) Open() bool {
	switch s {
	case InvoicePending, InvoiceSent, InvoicePartial, InvoiceOverdue:
		return true
	}
	return false
}

// Invoice is a bill for one order.
type Invoice struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	Number         string        `json:"number"`
	OrderID        string        `json:"order_id,omitempty"`
	Currency       string        `json:"currency"`
	Subtotal       money.Amount  `json:"subtotal"`
	Tax            money.Amount  `json:"tax"`
	Total          money.Amount  `json:"total"`
	PaidAmount     money.Amount  `json:"paid_amount"`
	BalanceDue     money.Amount  `json:"balance_due"`
	Status         InvoiceStatus `json:"status"`
	IssueDate      time.Time     `json:"issue_date"`
	DueDate        time.Time     `json:"due_date"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	LateFeePeriods int           `json:"late_fee_periods"`
	LateFeeTotal   money.Amount  `json:"late_fee_total"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ApplyPayment records amount paid. Overpayment floors BalanceDue at zero.
func (inv *Invoice) ApplyPayment(amount money.Amount, at time.Time) {
	inv.PaidAmount += amount
	inv.BalanceDue = money.Max(0, inv.Total-inv.PaidAmount)
	if inv.BalanceDue == 0 {
		inv.Status = InvoicePaid
		t := at
		inv.PaidAt = &t
	} else {
		inv.Status = InvoicePartial
	}
	inv.UpdatedAt = at
}

// ApplyReversal undoes amount of a previous payment (refund or chargeback).
func (inv *Invoice) ApplyReversal(amount money.Amount, at time.Time) {
	inv.PaidAmount = money.Max(0, inv.PaidAmount-amount)
	inv.BalanceDue = money.Max(0, inv.Total-inv.PaidAmount)
	inv.PaidAt = nil
	if inv.PaidAmount == 0 {
		inv.Status = InvoiceRefunded
	} else {
		inv.Status = InvoicePartial
	}
	inv.UpdatedAt = at
}

// DaysOverdue returns whole days past the due date at asOf, or 0.
func (inv *Invoice) DaysOverdue(asOf time.Time) int {
	if !asOf.After(inv.DueDate) {
		return 0
	}
	return int(asOf.Sub(inv.DueDate).Hours() / 24)
}

// PaymentType classifies a payment transaction.
type PaymentType string

const (
	PaymentCharge        PaymentType = "payment"
	PaymentRefund        PaymentType = "refund"
	PaymentPartialRefund PaymentType = "partial_refund"
	PaymentChargeback    PaymentType = "chargeback"
	PaymentAdjustment    PaymentType = "adjustment"
)

// PaymentStatus is a payment transaction state.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentReversed   PaymentStatus = "reversed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	PaymentFailed:     {PaymentProcessing, PaymentCompleted, PaymentCancelled},
	PaymentCompleted:  {PaymentReversed},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentTransaction is one gateway money movement.
type PaymentTransaction struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	InvoiceID         string        `json:"invoice_id"`
	Type              PaymentType   `json:"type"`
	Amount            money.Amount  `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	GatewayReference  string        `json:"gateway_reference"`
	OriginalPaymentID string        `json:"original_payment_id,omitempty"`
	RefundedAmount    money.Amount  `json:"refunded_amount"`
	RetryCount        int           `json:"retry_count"`
	Exhausted         bool          `json:"exhausted"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	LedgerEntryID     string        `json:"ledger_entry_id,omitempty"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Transition moves p to status or returns ErrInvalidTransition.
func (p *PaymentTransaction) Transition(to PaymentStatus, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: payment %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = at
	return nil
}

// Store persists invoices and payment transactions. Update methods compare
// Version and bump it; a stale version is ErrVersionConflict.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context, accountID string, limit int) ([]*Invoice, error)
	// ListOpenInvoices returns invoices that still expect payment.
	ListOpenInvoices(ctx context.Context, accountID string) ([]*Invoice, error)
	// ListInvoicesPaidSince returns invoices paid at or after since.
	ListInvoicesPaidSince(ctx context.Context, accountID string, since time.Time) ([]*Invoice, error)
	// ListOverdueCandidates returns open invoices due before dueBefore.
	ListOverdueCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]*Invoice, error)

	CreatePayment(ctx context.Context, p *PaymentTransaction) error
	GetPayment(ctx context.Context, id string) (*PaymentTransaction, error)
	GetPaymentByGatewayRef(ctx context.Context, ref string) (*PaymentTransaction, error)
	UpdatePayment(ctx context.Context, p *PaymentTransaction) error
	ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]*PaymentTransaction, error)
	// ListExhaustedPayments returns payments whose retries ran out, most
	// recently failed first. These wait for manual handling.
	ListExhaustedPayments(ctx context.Context, limit int) ([]*PaymentTransaction, error)

	// Settle updates a payment and its invoice together.
	Settle(ctx context.Context, p *PaymentTransaction, inv *Invoice) error
	// SettleReversal records a new reversal and updates the original payment
	// and invoice together.
	SettleReversal(ctx context.Context, reversal, original *PaymentTransaction, inv *Invoice) error
}

// InvoiceStatusEvent builds the invoice.status_changed event.
func InvoiceStatusEvent(inv *Invoice, from InvoiceStatus) (*events.Event, error) {
	return events.New(events.TypeInvoiceStatusChanged, inv.AccountID, map[string]interface{}{
		"invoice_id":  inv.ID,
		"account_id":  inv.AccountID,
		"from":        from,
		"to":          inv.Status,
		"balance_due": inv.BalanceDue,
	})
}
