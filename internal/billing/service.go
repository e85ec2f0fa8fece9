package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
)

const (
	defaultGraceDays = 3
	lateFeePeriod    = 30 * 24 * time.Hour
)

// Applier writes ledger entries.
type Applier interface {
	Apply(ctx context.Context, req credit.ApplyRequest) (*ledger.Entry, bool, error)
}

// AccountReader loads credit accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
}

// Service manages invoices and assesses late fees.
type Service struct {
	store     Store
	accounts  AccountReader
	ledger    Applier
	outbox    events.Outbox
	logger    *slog.Logger
	graceDays int
	now       func() time.Time
}

// NewService creates a billing service.
func NewService(store Store, accounts AccountReader, applier Applier, outbox events.Outbox, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		accounts:  accounts,
		ledger:    applier,
		outbox:    outbox,
		logger:    logger,
		graceDays: defaultGraceDays,
		now:       time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the billing store to collaborating packages.
func (s *Service) Store() Store {
	return s.store
}

// CreateInvoiceRequest is the order service's invoice intake payload.
type CreateInvoiceRequest struct {
	AccountID string       `json:"account_id" binding:"required"`
	Number    string       `json:"number"`
	OrderID   string       `json:"order_id"`
	Currency  string       `json:"currency"`
	Subtotal  money.Amount `json:"subtotal"`
	Tax       money.Amount `json:"tax"`
	IssueDate *time.Time   `json:"issue_date"`
	DueDate   *time.Time   `json:"due_date"`
}

// CreateInvoice records a new pending invoice. The due date defaults to the
// issue date plus the account's payment terms.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	acct, err := s.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Subtotal <= 0 || req.Tax < 0 {
		return nil, fmt.Errorf("%w: subtotal must be positive and tax non-negative", ErrInvalidInvoice)
	}
	total, err := money.Add(req.Subtotal, req.Tax)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	currency := acct.Currency
	if req.Currency != "" {
		c, err := money.NormalizeCurrency(req.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
		}
		if c != acct.Currency {
			return nil, fmt.Errorf("%w: currency %s does not match account currency %s", ErrInvalidInvoice, c, acct.Currency)
		}
		currency = c
	}

	now := s.now().UTC()
	issue := now
	if req.IssueDate != nil {
		issue = req.IssueDate.UTC()
	}
	due := issue.AddDate(0, 0, acct.PaymentTermsDays)
	if req.DueDate != nil {
		due = req.DueDate.UTC()
	}
	if due.Before(issue) {
		return nil, fmt.Errorf("%w: due date before issue date", ErrInvalidInvoice)
	}
	number := strings.TrimSpace(req.Number)
	if number == "" {
		number = "INV-" + strings.ToUpper(idgen.WithPrefix("")[:12])
	}

	inv := &Invoice{
		ID:         idgen.WithPrefix("inv_"),
		AccountID:  acct.ID,
		Number:     number,
		OrderID:    req.OrderID,
		Currency:   currency,
		Subtotal:   req.Subtotal,
		Tax:        req.Tax,
		Total:      total,
		BalanceDue: total,
		Status:     InvoicePending,
		IssueDate:  issue,
		DueDate:    due,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	invoicesCreated.Inc()
	s.emit(ctx, inv, "")
	s.logger.Info("invoice created", "invoice_id", inv.ID, "account_id", inv.AccountID,
		"number", inv.Number, "total", inv.Total.String(), "due_date", inv.DueDate.Format("2006-01-02"))
	return inv, nil
}

// GetInvoice returns an invoice by ID or number.
func (s *Service) GetInvoice(ctx context.Context, ref string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, ref)
	if errors.Is(err, ErrInvoiceNotFound) {
		return s.store.GetInvoiceByNumber(ctx, ref)
	}
	return inv, err
}

// ListInvoices returns an account's invoices.
func (s *Service) ListInvoices(ctx context.Context, accountID string, limit int) ([]*Invoice, error) {
	return s.store.ListInvoices(ctx, accountID, limit)
}

// CancelInvoice cancels an unpaid invoice. It has no ledger effect.
func (s *Service) CancelInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case InvoiceDraft, InvoicePending, InvoiceSent, InvoiceOverdue:
	default:
		return nil, fmt.Errorf("%w: cannot cancel a %s invoice", ErrInvalidTransition, inv.Status)
	}
	if inv.PaidAmount > 0 {
		return nil, fmt.Errorf("%w: invoice has payments", ErrInvalidTransition)
	}
	from := inv.Status
	inv.Status = InvoiceCancelled
	inv.BalanceDue = 0
	inv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	s.emit(ctx, inv, from)
	return inv, nil
}

// SweepResult summarises one overdue sweep.
type SweepResult struct {
	MarkedOverdue int          `json:"marked_overdue"`
	FeesCharged   int          `json:"fees_charged"`
	FeesWaived    int          `json:"fees_waived"`
	FeeTotal      money.Amount `json:"fee_total"`
}

// SweepOverdue marks invoices past their due date plus the grace period as
// overdue, and charges the account's late fee once per started 30-day
// period overdue. Each period's fee uses the key latefee:<invoice>:<period>.
// A period whose fee the ledger rejects on a business rule is waived and
// not attempted again.
func (s *Service) SweepOverdue(ctx context.Context) (*SweepResult, error) {
	now := s.now().UTC()
	graceCutoff := now.AddDate(0, 0, -s.graceDays)
	invoices, err := s.store.ListOverdueCandidates(ctx, graceCutoff, 0)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{}
	for _, inv := range invoices {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := s.sweepInvoice(ctx, inv, now, res); err != nil {
			s.logger.Warn("overdue sweep failed for invoice", "invoice_id", inv.ID, "error", err)
		}
	}
	return res, nil
}

func (s *Service) sweepInvoice(ctx context.Context, inv *Invoice, now time.Time, res *SweepResult) error {
	from := inv.Status
	if inv.Status != InvoiceOverdue {
		inv.Status = InvoiceOverdue
		inv.UpdatedAt = now
		if err := s.store.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		res.MarkedOverdue++
		invoicesOverdue.Inc()
		s.emit(ctx, inv, from)
	}

	acct, err := s.accounts.GetAccount(ctx, inv.AccountID)
	if err != nil {
		return err
	}
	if acct.LateFeeBps <= 0 {
		return nil
	}
	overdue := now.Sub(inv.DueDate)
	periods := int((overdue + lateFeePeriod - 1) / lateFeePeriod)
	pct := decimal.New(int64(acct.LateFeeBps), -2)

	for p := inv.LateFeePeriods + 1; p <= periods; p++ {
		fee := money.Percent(inv.BalanceDue, pct)
		if fee <= 0 {
			break
		}
		key := fmt.Sprintf("latefee:%s:%d", inv.ID, p)
		_, _, err := s.ledger.Apply(ctx, credit.ApplyRequest{
			AccountID:      inv.AccountID,
			Delta:          -fee,
			Reference:      ledger.Reference{Kind: ledger.RefLateFee, ID: inv.ID},
			IdempotencyKey: key,
			Description:    fmt.Sprintf("Late fee period %d on %s", p, inv.Number),
		})
		if errors.Is(err, idempotency.ErrKeyConflict) {
			// Charged on an earlier run against a different balance.
			lateFeesCharged.WithLabelValues("already_charged").Inc()
			s.logger.Info("late fee period already charged", "invoice_id", inv.ID, "period", p)
		} else if err != nil {
			if status, _ := credit.ErrorStatus(err); status >= 500 {
				lateFeesCharged.WithLabelValues("error").Inc()
				return fmt.Errorf("charge late fee period %d: %w", p, err)
			}
			lateFeesCharged.WithLabelValues("waived").Inc()
			res.FeesWaived++
			s.logger.Warn("late fee rejected, period waived", "invoice_id", inv.ID,
				"account_id", inv.AccountID, "period", p, "fee", fee.String(), "error", err)
		} else {
			lateFeesCharged.WithLabelValues("charged").Inc()
			res.FeesCharged++
			res.FeeTotal += fee
			inv.LateFeeTotal += fee
		}
		inv.LateFeePeriods = p
		inv.UpdatedAt = now
		if err := s.store.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, inv *Invoice, from InvoiceStatus) {
	if s.outbox == nil {
		return
	}
	evt, err := InvoiceStatusEvent(inv, from)
	if err == nil {
		err = s.outbox.Append(ctx, evt)
	}
	if err != nil {
		s.logger.Warn("failed to record invoice event", "invoice_id", inv.ID, "error", err)
	}
}
