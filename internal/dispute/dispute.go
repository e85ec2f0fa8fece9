// Package dispute holds disputed amounts through investigation and applies
// the resolution back through the ledger.
//
// Flow:
//  1. Buyer or vendor submits a dispute against an account
//  2. Ops investigates; a case may be escalated and later re-investigated
//  3. Resolution (refund, credit, adjustment) posts one ledger entry keyed
//     dispute:<id>:resolution; rejection and no_action post nothing
//  4. Resolved or rejected disputes are closed
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/creditledger/internal/money"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidTransition = errors.New("invalid dispute status for this operation")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidRequest    = errors.New("invalid dispute request")
	ErrVersionConflict   = errors.New("dispute was modified concurrently")
)

// Status is a dispute's state.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusRejected      Status = "rejected"
	StatusEscalated     Status = "escalated"
	StatusClosed        Status = "closed"
)

var transitions = map[Status][]Status{
	StatusSubmitted:     {StatusInvestigating},
	StatusInvestigating: {StatusResolved, StatusRejected, StatusEscalated},
	StatusEscalated:     {StatusInvestigating},
	StatusResolved:      {StatusClosed},
	StatusRejected:      {StatusClosed},
}

// CanTransition reports whether a dispute may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type classifies what is being disputed.
type Type string

const (
	TypeQuality  Type = "quality"
	TypeQuantity Type = "quantity"
	TypeDelivery Type = "delivery"
	TypeBilling  Type = "billing"
	TypeOther    Type = "other"
)

func (t Type) valid() bool {
	switch t {
	case TypeQuality, TypeQuantity, TypeDelivery, TypeBilling, TypeOther:
		return true
	}
	return false
}

// ResolutionType is how a resolved dispute settles.
type ResolutionType string

const (
	ResolutionFullRefund    ResolutionType = "full_refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionCreditApplied ResolutionType = "credit_applied"
	ResolutionAdjustment    ResolutionType = "adjustment"
	ResolutionNoAction      ResolutionType = "no_action"
)

// LedgerAmount returns the signed ledger delta for a resolution of
// disputed, or an error when requested does not fit the type. Refunds and
// credits are positive (they reduce what is owed); an adjustment may go
// either way.
func (r ResolutionType) LedgerAmount(disputed, requested money.Amount) (money.Amount, error) {
	switch r {
	case ResolutionFullRefund:
		if requested != 0 && requested != disputed {
			return 0, fmt.Errorf("%w: full_refund amount must equal the disputed amount %s", ErrInvalidResolution, disputed)
		}
		return disputed, nil
	case ResolutionPartialRefund:
		if requested <= 0 || requested > disputed {
			return 0, fmt.Errorf("%w: partial_refund amount must be in (0, %s]", ErrInvalidResolution, disputed)
		}
		return requested, nil
	case ResolutionCreditApplied:
		if requested <= 0 {
			return 0, fmt.Errorf("%w: credit_applied amount must be positive", ErrInvalidResolution)
		}
		return requested, nil
	case ResolutionAdjustment:
		if requested == 0 {
			return 0, fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidResolution)
		}
		return requested, nil
	case ResolutionNoAction:
		if requested != 0 {
			return 0, fmt.Errorf("%w: no_action takes no amount", ErrInvalidResolution)
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unknown resolution type %q", ErrInvalidResolution, r)
}

// Dispute is a contested charge on a credit account.
type Dispute struct {
	ID               string         `json:"id"`
	AccountID        string         `json:"account_id"`
	InvoiceID        string         `json:"invoice_id,omitempty"`
	OrderID          string         `json:"order_id,omitempty"`
	Type             Type           `json:"type"`
	Reason           string         `json:"reason"`
	DisputedAmount   money.Amount   `json:"disputed_amount"`
	Status           Status         `json:"status"`
	ResolutionType   ResolutionType `json:"resolution_type,omitempty"`
	ResolutionAmount money.Amount   `json:"resolution_amount"`
	Notes            string         `json:"notes,omitempty"`
	LedgerEntryID    string         `json:"ledger_entry_id,omitempty"`
	SubmittedBy      string         `json:"submitted_by"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsTerminal returns true if the dispute is closed.
func (d *Dispute) IsTerminal() bool {
	return d.Status == StatusClosed
}

// ResolutionKey is the ledger idempotency key for a dispute's resolution.
func ResolutionKey(id string) string {
	return "dispute:" + id + ":resolution"
}

// Store persists disputes. Update compares Version and bumps it.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// SubmitRequest opens a dispute.
type SubmitRequest struct {
	AccountID      string       `json:"account_id" binding:"required"`
	InvoiceID      string       `json:"invoice_id"`
	OrderID        string       `json:"order_id"`
	Type           Type         `json:"type" binding:"required"`
	Reason         string       `json:"reason" binding:"required"`
	DisputedAmount money.Amount `json:"disputed_amount"`
}

// ResolveRequest settles an investigating dispute.
type ResolveRequest struct {
	ResolutionType   ResolutionType `json:"resolution_type" binding:"required"`
	ResolutionAmount money.Amount   `json:"resolution_amount"`
	Notes            string         `json:"notes"`
}
