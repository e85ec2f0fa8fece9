// Package statement builds read-only account statements over a period of
// ledger history and keeps monthly snapshots of them.
package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/traces"
)

var (
	ErrInvalidPeriod     = errors.New("invalid statement period")
	ErrStatementNotFound = errors.New("statement not found")
	ErrDuplicate         = errors.New("statement already exists for period")
)

const pageSize = 500

// AgingBuckets splits outstanding invoice balances by days past due at the
// end of the period.
type AgingBuckets struct {
	Current    money.Amount `json:"current"`
	Days1To30  money.Amount `json:"days_1_30"`
	Days31To60 money.Amount `json:"days_31_60"`
	Days61To90 money.Amount `json:"days_61_90"`
	Over90     money.Amount `json:"days_90_plus"`
}

// Total is the sum of all buckets.
func (b AgingBuckets) Total() money.Amount {
	return b.Current + b.Days1To30 + b.Days31To60 + b.Days61To90 + b.Over90
}

func (b *AgingBuckets) add(daysPastDue int, amount money.Amount) {
	switch {
	case daysPastDue <= 0:
		b.Current += amount
	case daysPastDue <= 30:
		b.Days1To30 += amount
	case daysPastDue <= 60:
		b.Days31To60 += amount
	case daysPastDue <= 90:
		b.Days61To90 += amount
	default:
		b.Over90 += amount
	}
}

// Statement summarises an account over [PeriodStart, PeriodEnd).
type Statement struct {
	ID                string                                `json:"id,omitempty"`
	AccountID         string                                `json:"account_id"`
	Currency          string                                `json:"currency"`
	PeriodStart       time.Time                             `json:"period_start"`
	PeriodEnd         time.Time                             `json:"period_end"`
	OpeningBalance    money.Amount                          `json:"opening_balance"`
	ClosingBalance    money.Amount                          `json:"closing_balance"`
	TotalDebits       money.Amount                          `json:"total_debits"`
	TotalCredits      money.Amount                          `json:"total_credits"`
	TotalsByReference map[ledger.ReferenceKind]money.Amount `json:"totals_by_reference"`
	EntryCount        int                                   `json:"entry_count"`
	FirstSequence     int64                                 `json:"first_sequence,omitempty"`
	LastSequence      int64                                 `json:"last_sequence,omitempty"`
	CreditLimit       money.Amount                          `json:"credit_limit"`
	AvailableCredit   money.Amount                          `json:"available_credit"`
	Aging             AgingBuckets                          `json:"aging"`
	OpenInvoices      int                                   `json:"open_invoices"`
	Entries           []*ledger.Entry                       `json:"entries,omitempty"`
	GeneratedAt       time.Time                             `json:"generated_at"`
}

// Store persists immutable statement snapshots. Create fails with
// ErrDuplicate when the account already has a snapshot for the period.
type Store interface {
	Create(ctx context.Context, s *Statement) error
	Get(ctx context.Context, id string) (*Statement, error)
	GetByPeriod(ctx context.Context, accountID string, start, end time.Time) (*Statement, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Statement, error)
}

// InvoiceLister is the slice of billing.Store the aging report reads.
type InvoiceLister interface {
	ListOpenInvoices(ctx context.Context, accountID string) ([]*billing.Invoice, error)
	ListInvoicesPaidSince(ctx context.Context, accountID string, since time.Time) ([]*billing.Invoice, error)
}

// Generator computes statements from the ledger. It never writes entries.
type Generator struct {
	ledger   ledger.Store
	invoices InvoiceLister
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerator creates a generator. invoices may be nil, in which case the
// aging buckets stay empty.
func NewGenerator(ls ledger.Store, invoices InvoiceLister, store Store, logger *slog.Logger) *Generator {
	return &Generator{
		ledger:   ls,
		invoices: invoices,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds a statement for accountID over [from, to). When
// withEntries is set the entries in the window are included in the result.
func (g *Generator) Generate(ctx context.Context, accountID string, from, to time.Time, withEntries bool) (*Statement, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidPeriod)
	}
	ctx, span := traces.StartSpan(ctx, "statement.Generate", traces.AccountID(accountID))
	defer span.End()
	start := time.Now()

	acct, err := g.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	from, to = from.UTC(), to.UTC()

	st := &Statement{
		AccountID:         acct.ID,
		Currency:          acct.Currency,
		PeriodStart:       from,
		PeriodEnd:         to,
		TotalsByReference: make(map[ledger.ReferenceKind]money.Amount),
		CreditLimit:       acct.CreditLimit,
		GeneratedAt:       g.now().UTC(),
	}

	prev, err := g.ledger.LastEntryBefore(ctx, accountID, from)
	switch {
	case err == nil:
		st.OpeningBalance = prev.BalanceAfter
	case errors.Is(err, ledger.ErrEntryNotFound):
	default:
		return nil, fmt.Errorf("opening balance: %w", err)
	}
	st.ClosingBalance = st.OpeningBalance

	var after int64
	for {
		page, err := g.ledger.ListEntries(ctx, accountID, ledger.EntryQuery{From: from, To: to, AfterSeq: after, Limit: pageSize})
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		for _, e := range page {
			if st.EntryCount == 0 {
				st.FirstSequence = e.Sequence
			}
			st.EntryCount++
			st.LastSequence = e.Sequence
			st.ClosingBalance = e.BalanceAfter
			if e.Type == ledger.EntryDebit {
				st.TotalDebits += e.Amount
			} else {
				st.TotalCredits += e.Amount
			}
			st.TotalsByReference[e.Reference.Kind] += e.Signed()
			if withEntries {
				st.Entries = append(st.Entries, e)
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}
	if got := st.OpeningBalance + st.TotalCredits - st.TotalDebits; got != st.ClosingBalance {
		g.logger.Error("statement totals disagree with ledger chain",
			"account", accountID, "closing", st.ClosingBalance, "computed", got)
	}
	st.AvailableCredit = money.Max(0, st.CreditLimit+st.ClosingBalance)

	if err := g.age(ctx, st); err != nil {
		return nil, err
	}

	generateDuration.Observe(time.Since(start).Seconds())
	return st, nil
}

// age fills the aging buckets from invoices issued before the period end
// that were still unpaid at that point: those open now plus those paid
// since.
func (g *Generator) age(ctx context.Context, st *Statement) error {
	if g.invoices == nil {
		return nil
	}
	open, err := g.invoices.ListOpenInvoices(ctx, st.AccountID)
	if err != nil {
		return fmt.Errorf("aging: %w", err)
	}
	paid, err := g.invoices.ListInvoicesPaidSince(ctx, st.AccountID, st.PeriodEnd)
	if err != nil {
		return fmt.Errorf("aging: %w", err)
	}
	for _, inv := range append(open, paid...) {
		owed := outstandingAt(inv, st.PeriodEnd)
		if owed <= 0 {
			continue
		}
		days := int(st.PeriodEnd.Sub(inv.DueDate).Hours() / 24)
		st.Aging.add(days, owed)
		st.OpenInvoices++
	}
	return nil
}

// outstandingAt approximates what an invoice still owed at t. Invoices
// settled after t count at their full total.
func outstandingAt(inv *billing.Invoice, t time.Time) money.Amount {
	if !inv.IssueDate.Before(t) {
		return 0
	}
	switch {
	case inv.Status.Open():
		return inv.BalanceDue
	case inv.Status == billing.InvoicePaid && inv.PaidAt != nil && !inv.PaidAt.Before(t):
		return inv.Total
	}
	return 0
}

// Snapshot generates and stores the statement for a period. An existing
// snapshot for the same period is returned unchanged.
func (g *Generator) Snapshot(ctx context.Context, accountID string, from, to time.Time) (*Statement, bool, error) {
	if existing, err := g.store.GetByPeriod(ctx, accountID, from.UTC(), to.UTC()); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrStatementNotFound) {
		return nil, false, err
	}

	st, err := g.Generate(ctx, accountID, from, to, false)
	if err != nil {
		return nil, false, err
	}
	st.ID = idgen.WithPrefix("stm_")
	if err := g.store.Create(ctx, st); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, gerr := g.store.GetByPeriod(ctx, accountID, st.PeriodStart, st.PeriodEnd)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	snapshotsStored.Inc()
	return st, true, nil
}

// Get returns a stored snapshot.
func (g *Generator) Get(ctx context.Context, id string) (*Statement, error) {
	return g.store.Get(ctx, id)
}

// List returns stored snapshots for an account, newest period first.
func (g *Generator) List(ctx context.Context, accountID string, limit int) ([]*Statement, error) {
	if _, err := g.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return g.store.ListByAccount(ctx, accountID, limit)
}

// MonthBounds returns the calendar month [start, end) in UTC containing t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PreviousMonth returns the calendar month before the one containing t.
func PreviousMonth(t time.Time) (time.Time, time.Time) {
	start, _ := MonthBounds(t)
	return MonthBounds(start.AddDate(0, 0, -1))
}
