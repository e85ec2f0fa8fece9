// Package admin builds the operator report: everything the ledger has
// surfaced for manual handling in one place.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/circuitbreaker"
	"github.com/mbd888/creditledger/internal/dispute"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/reconciliation"
)

// AccountSource lists accounts and re-verifies their history.
type AccountSource interface {
	ListAccounts(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Account, error)
	VerifyAll(ctx context.Context) (checked, failed int, err error)
}

// InboxCounter reports gateway inbox depth by status.
type InboxCounter interface {
	CountByStatus(ctx context.Context) (map[reconciliation.InboxStatus]int, error)
}

// PaymentSource lists invoices past due and payments whose retries ran out.
type PaymentSource interface {
	ListExhaustedPayments(ctx context.Context, limit int) ([]*billing.PaymentTransaction, error)
	ListOverdueCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]*billing.Invoice, error)
}

// DisputeSource lists disputes by status.
type DisputeSource interface {
	ListByStatus(ctx context.Context, status dispute.Status, limit int) ([]*dispute.Dispute, error)
}

// OutboxSource exposes unpublished domain events.
type OutboxSource interface {
	Pending(ctx context.Context, limit int) ([]*events.Event, error)
}

// BreakerSource exposes circuit breaker state.
type BreakerSource interface {
	Snapshot() []circuitbreaker.Status
}

// Sources are the subsystems a report reads. Nil sources are skipped.
type Sources struct {
	Accounts AccountSource
	Inbox    InboxCounter
	Payments PaymentSource
	Disputes DisputeSource
	Outbox   OutboxSource
	Breakers BreakerSource
}

// HeldAccount is an account whose writes are halted pending reconciliation.
type HeldAccount struct {
	AccountID      string       `json:"account_id"`
	BusinessID     string       `json:"business_id"`
	CurrentBalance money.Amount `json:"current_balance"`
	HoldReason     string       `json:"hold_reason"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OverdueSummary aggregates open invoices past their due date.
type OverdueSummary struct {
	Count       int          `json:"count"`
	BalanceDue  money.Amount `json:"balance_due"`
	OldestDueAt *time.Time   `json:"oldest_due_at,omitempty"`
	Truncated   bool         `json:"truncated"`
}

// Report is a point-in-time operator view.
type Report struct {
	GeneratedAt       time.Time                          `json:"generated_at"`
	Healthy           bool                               `json:"healthy"`
	Problems          []string                           `json:"problems"`
	AccountsOnHold    []HeldAccount                      `json:"accounts_on_hold"`
	GatewayInbox      map[reconciliation.InboxStatus]int `json:"gateway_inbox"`
	ExhaustedPayments []*billing.PaymentTransaction      `json:"exhausted_payments"`
	Overdue           OverdueSummary                     `json:"overdue_invoices"`
	Disputes          map[dispute.Status]int             `json:"disputes_awaiting_action"`
	OutboxPending     int                                `json:"outbox_pending"`
	OutboxLagSeconds  float64                            `json:"outbox_lag_seconds"`
	Breakers          []circuitbreaker.Status            `json:"circuit_breakers"`
	Errors            map[string]string                  `json:"errors,omitempty"`
}

// VerifyReport is the outcome of an on-demand integrity sweep.
type VerifyReport struct {
	Checked  int           `json:"checked"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration_ms"`
	RanAt    time.Time     `json:"ran_at"`
}

const (
	scanLimit       = 1000
	listLimit       = 100
	outboxPeekLimit = 500
	// Outbox events older than this mean the relay is stuck.
	outboxLagLimit = 5 * time.Minute
)

// awaiting are the dispute states that need an operator.
var awaiting = []dispute.Status{dispute.StatusSubmitted, dispute.StatusInvestigating, dispute.StatusEscalated}

// Reporter assembles reports from the configured sources.
type Reporter struct {
	src    Sources
	logger *slog.Logger
	now    func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(src Sources, logger *slog.Logger) *Reporter {
	return &Reporter{src: src, logger: logger, now: time.Now}
}

// WithClock overrides the time source (for testing).
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Report gathers every source. A failing source is noted in Errors and
// marks the report unhealthy; the others are still reported.
func (r *Reporter) Report(ctx context.Context) *Report {
	now := r.now().UTC()
	rep := &Report{
		GeneratedAt:       now,
		Problems:          []string{},
		AccountsOnHold:    []HeldAccount{},
		GatewayInbox:      map[reconciliation.InboxStatus]int{},
		ExhaustedPayments: []*billing.PaymentTransaction{},
		Disputes:          map[dispute.Status]int{},
		Breakers:          []circuitbreaker.Status{},
		Errors:            map[string]string{},
	}
	fail := func(source string, err error) {
		rep.Errors[source] = err.Error()
		r.logger.Warn("ops report source failed", "source", source, "error", err)
	}

	if s := r.src.Accounts; s != nil {
		accts, err := s.ListAccounts(ctx, "", scanLimit)
		if err != nil {
			fail("accounts", err)
		}
		for _, a := range accts {
			if a.IntegrityHold {
				rep.AccountsOnHold = append(rep.AccountsOnHold, HeldAccount{
					AccountID: a.ID, BusinessID: a.BusinessID, CurrentBalance: a.CurrentBalance,
					HoldReason: a.HoldReason, UpdatedAt: a.UpdatedAt,
				})
			}
		}
	}

	if s := r.src.Inbox; s != nil {
		counts, err := s.CountByStatus(ctx)
		if err != nil {
			fail("gateway_inbox", err)
		}
		for k, v := range counts {
			rep.GatewayInbox[k] = v
		}
	}

	if s := r.src.Payments; s != nil {
		ps, err := s.ListExhaustedPayments(ctx, listLimit)
		if err != nil {
			fail("exhausted_payments", err)
		}
		rep.ExhaustedPayments = append(rep.ExhaustedPayments, ps...)

		invs, err := s.ListOverdueCandidates(ctx, now, scanLimit)
		if err != nil {
			fail("overdue_invoices", err)
		}
		rep.Overdue = summarizeOverdue(invs)
	}

	if s := r.src.Disputes; s != nil {
		for _, st := range awaiting {
			ds, err := s.ListByStatus(ctx, st, scanLimit)
			if err != nil {
				fail("disputes", err)
				break
			}
			rep.Disputes[st] = len(ds)
		}
	}

	if s := r.src.Outbox; s != nil {
		pending, err := s.Pending(ctx, outboxPeekLimit)
		if err != nil {
			fail("outbox", err)
		}
		rep.OutboxPending = len(pending)
		if len(pending) > 0 {
			rep.OutboxLagSeconds = now.Sub(pending[0].OccurredAt).Seconds()
		}
	}

	if s := r.src.Breakers; s != nil {
		rep.Breakers = append(rep.Breakers, s.Snapshot()...)
	}

	rep.Problems = problems(rep)
	rep.Healthy = len(rep.Problems) == 0 && len(rep.Errors) == 0
	if len(rep.Errors) == 0 {
		rep.Errors = nil
	}
	return rep
}

// VerifyAll runs the integrity check over every account.
func (r *Reporter) VerifyAll(ctx context.Context) (*VerifyReport, error) {
	if r.src.Accounts == nil {
		return nil, fmt.Errorf("account source not configured")
	}
	start := r.now()
	checked, failed, err := r.src.Accounts.VerifyAll(ctx)
	if err != nil {
		return nil, err
	}
	return &VerifyReport{Checked: checked, Failed: failed, Duration: r.now().Sub(start), RanAt: start.UTC()}, nil
}

func summarizeOverdue(invs []*billing.Invoice) OverdueSummary {
	sum := OverdueSummary{Count: len(invs), Truncated: len(invs) >= scanLimit}
	for _, inv := range invs {
		sum.BalanceDue += inv.BalanceDue
		if sum.OldestDueAt == nil || inv.DueDate.Before(*sum.OldestDueAt) {
			d := inv.DueDate
			sum.OldestDueAt = &d
		}
	}
	return sum
}

func problems(rep *Report) []string {
	out := []string{}
	if n := len(rep.AccountsOnHold); n > 0 {
		out = append(out, fmt.Sprintf("%d account(s) on integrity hold", n))
	}
	if n := rep.GatewayInbox[reconciliation.InboxDead]; n > 0 {
		out = append(out, fmt.Sprintf("%d dead-lettered gateway event(s)", n))
	}
	if n := len(rep.ExhaustedPayments); n > 0 {
		out = append(out, fmt.Sprintf("%d payment(s) exhausted retries", n))
	}
	if rep.OutboxLagSeconds > outboxLagLimit.Seconds() {
		out = append(out, fmt.Sprintf("outbox relay lagging %.0fs", rep.OutboxLagSeconds))
	}
	for _, b := range rep.Breakers {
		if b.State != circuitbreaker.StateClosed {
			out = append(out, fmt.Sprintf("circuit %s is %s", b.Key, b.State))
		}
	}
	sort.Strings(out)
	return out
}
