package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/traces"
)

const (
	defaultPaymentTermsDays = 30
	defaultLateFeeBps       = 200
)

// Notifier is told when new outbox events have been committed.
type Notifier interface {
	Notify()
}

// Manager owns every balance change and account status change.
type Manager struct {
	store           ledger.Store
	guard           *idempotency.Guard
	audit           audit.Logger
	notifier        Notifier
	logger          *slog.Logger
	defaultCurrency string
	now             func() time.Time
}

// NewManager creates a credit manager over store.
func NewManager(store ledger.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:           store,
		guard:           idempotency.NewGuard(),
		logger:          logger,
		defaultCurrency: "AUD",
		now:             time.Now,
	}
}

// WithAuditLogger enables audit records for lifecycle changes.
func (m *Manager) WithAuditLogger(l audit.Logger) *Manager {
	m.audit = l
	return m
}

// WithNotifier wakes n after each committed change.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithDefaultCurrency sets the currency for accounts opened without one.
func (m *Manager) WithDefaultCurrency(code string) *Manager {
	if c, err := money.NormalizeCurrency(code); err == nil {
		m.defaultCurrency = c
	}
	return m
}

// WithClock overrides the time source (for testing).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Store exposes the underlying ledger store for read paths.
func (m *Manager) Store() ledger.Store {
	return m.store
}

// errChainBroken carries the integrity problem out of the rolled-back unit.
type errChainBroken struct{ problem string }

func (e *errChainBroken) Error() string { return "ledger chain broken: " + e.problem }

// Apply records one signed balance change. On a replayed idempotency key
// it returns the original entry with replayed=true and changes nothing.
//
// Once the account lock is held the unit runs to completion even if ctx is
// cancelled, so a caller never sees a half-applied change.
func (m *Manager) Apply(ctx context.Context, req ApplyRequest) (entry *ledger.Entry, replayed bool, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "credit.Apply",
		traces.AccountID(req.AccountID), traces.Amount(int64(req.Delta)), traces.Reference(req.Reference.String()))
	defer func() {
		span.SetAttributes(traces.Replayed(replayed))
		traces.Finish(span, err)
		observeApply(start, err, replayed)
	}()

	if err := req.validate(); err != nil {
		return nil, false, err
	}

	actor := audit.ActorFrom(ctx)
	unitCtx := context.WithoutCancel(ctx)
	err = m.store.WithAccount(unitCtx, req.AccountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		reject := func(cause error) error {
			return &ApplyError{
				Code:          codeFor(cause),
				AccountID:     acct.ID,
				Requested:     req.Delta,
				BalanceBefore: acct.CurrentBalance,
				CreditLimit:   acct.CreditLimit,
				Err:           cause,
			}
		}

		typ := ledger.EntryCredit
		if req.Delta < 0 {
			typ = ledger.EntryDebit
		}
		fp := ledger.Fingerprint(typ, req.Delta.Abs(), req.Reference)
		newID := idgen.New()

		applied, priorID, gerr := m.guard.CheckAndReserve(unitCtx, tx, acct.ID, req.IdempotencyKey, fp, newID)
		if errors.Is(gerr, idempotency.ErrKeyConflict) {
			return reject(gerr)
		}
		if gerr != nil {
			return gerr
		}
		if applied {
			prior, err := tx.GetEntry(unitCtx, priorID)
			if err != nil {
				return fmt.Errorf("load replayed entry: %w", err)
			}
			entry, replayed = prior, true
			return nil
		}

		if acct.IntegrityHold {
			return reject(ErrIntegrityHold)
		}
		head, err := tx.LastEntry(unitCtx)
		if err != nil {
			return err
		}
		if problem := headMismatch(acct, head); problem != "" {
			return &errChainBroken{problem: problem}
		}

		if req.Delta < 0 && !acct.Status.Debitable() {
			return reject(ErrAccountNotDebitable)
		}
		after, err := money.Add(acct.CurrentBalance, req.Delta)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if req.Delta < 0 && after < -acct.CreditLimit {
			return reject(ErrCreditLimitExceeded)
		}

		now := m.now().UTC()
		e := &ledger.Entry{
			ID:             newID,
			AccountID:      acct.ID,
			Sequence:       acct.LastSequence + 1,
			Type:           typ,
			Amount:         req.Delta.Abs(),
			BalanceBefore:  acct.CurrentBalance,
			BalanceAfter:   after,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			CreatedBy:      actor,
			CreatedAt:      now,
		}
		if err := tx.AppendEntry(unitCtx, e); err != nil {
			return err
		}

		acct.CurrentBalance = after
		acct.LastSequence = e.Sequence
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(unitCtx, acct); err != nil {
			return err
		}

		evt, err := events.New(events.TypeEntryApplied, acct.ID, e)
		if err != nil {
			return err
		}
		if err := tx.Emit(unitCtx, evt); err != nil {
			return err
		}
		entry = e
		return nil
	})

	var broken *errChainBroken
	if errors.As(err, &broken) {
		m.logger.Error("ledger integrity violation, placing hold",
			"account_id", req.AccountID, "problem", broken.problem)
		if herr := m.placeHold(unitCtx, req.AccountID, broken.problem); herr != nil {
			m.logger.Error("failed to place integrity hold", "account_id", req.AccountID, "error", herr)
		}
		acct, _ := m.store.GetAccount(unitCtx, req.AccountID)
		ae := &ApplyError{Code: CodeIntegrityHold, AccountID: req.AccountID, Requested: req.Delta, Err: ErrIntegrityHold}
		if acct != nil {
			ae.BalanceBefore, ae.CreditLimit = acct.CurrentBalance, acct.CreditLimit
		}
		return nil, false, ae
	}
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		m.notify()
		m.logger.Info("ledger entry applied",
			"account_id", entry.AccountID, "entry_id", entry.ID, "type", entry.Type,
			"amount", entry.Amount.String(), "balance_after", entry.BalanceAfter.String(),
			"reference", entry.Reference.String())
	}
	return entry, replayed, nil
}

// headMismatch compares the account's cached balance with the chain head.
func headMismatch(acct *ledger.Account, head *ledger.Entry) string {
	if head == nil {
		if acct.CurrentBalance != 0 || acct.LastSequence != 0 {
			return fmt.Sprintf("no entries but balance %d at sequence %d", acct.CurrentBalance, acct.LastSequence)
		}
		return ""
	}
	if head.BalanceAfter != acct.CurrentBalance {
		return fmt.Sprintf("balance %d but last entry %s ends at %d", acct.CurrentBalance, head.ID, head.BalanceAfter)
	}
	if head.Sequence != acct.LastSequence {
		return fmt.Sprintf("account at sequence %d but last entry is %d", acct.LastSequence, head.Sequence)
	}
	return ""
}

func codeFor(err error) string {
	_, code := ErrorStatus(err)
	return code
}

func (m *Manager) notify() {
	if m.notifier != nil {
		m.notifier.Notify()
	}
}

// GetBalance returns the account's current position.
func (m *Manager) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID:       acct.ID,
		Currency:        acct.Currency,
		CurrentBalance:  acct.CurrentBalance,
		CreditLimit:     acct.CreditLimit,
		AvailableCredit: acct.AvailableCredit(),
		Status:          acct.Status,
		IntegrityHold:   acct.IntegrityHold,
	}, nil
}

// GetAccount returns an account snapshot.
func (m *Manager) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return m.store.GetAccount(ctx, accountID)
}

// ListAccounts lists accounts, optionally filtered by status.
func (m *Manager) ListAccounts(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Account, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return m.store.ListAccounts(ctx, status, limit)
}

// ListEntries pages through an account's entries in sequence order.
func (m *Manager) ListEntries(ctx context.Context, accountID string, afterSeq int64, limit int) ([]*ledger.Entry, error) {
	return m.store.ListEntries(ctx, accountID, ledger.EntryQuery{AfterSeq: afterSeq, Limit: limit})
}

// --- lifecycle ---

// Open creates a pending account for a business.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*ledger.Account, error) {
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, fmt.Errorf("%w: business_id is required", ErrInvalidRequest)
	}
	if req.CreditLimit < 0 {
		return nil, fmt.Errorf("%w: credit_limit must be >= 0", ErrInvalidRequest)
	}
	if req.PaymentTermsDays < 0 || req.LateFeeBps < 0 {
		return nil, fmt.Errorf("%w: terms and late fee must be >= 0", ErrInvalidRequest)
	}
	currency := m.defaultCurrency
	if req.Currency != "" {
		c, err := money.NormalizeCurrency(req.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		currency = c
	}
	terms := req.PaymentTermsDays
	if terms == 0 {
		terms = defaultPaymentTermsDays
	}
	lateFee := req.LateFeeBps
	if lateFee == 0 {
		lateFee = defaultLateFeeBps
	}

	now := m.now().UTC()
	acct := &ledger.Account{
		ID:               idgen.WithPrefix("acct_"),
		BusinessID:       strings.TrimSpace(req.BusinessID),
		Currency:         currency,
		CreditLimit:      req.CreditLimit,
		Status:           ledger.StatusPending,
		PaymentTermsDays: terms,
		LateFeeBps:       lateFee,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	err := m.store.WithAccount(ctx, acct.ID, func(tx ledger.AccountTx) error {
		return emitStatus(ctx, tx, acct.ID, "", ledger.StatusPending, "opened")
	})
	if err != nil {
		m.logger.Warn("failed to emit account opened event", "account_id", acct.ID, "error", err)
	}
	m.notify()
	m.record(ctx, acct.ID, "open", nil, acct, "")
	m.logger.Info("credit account opened", "account_id", acct.ID, "business_id", acct.BusinessID)
	return acct, nil
}

// Approve activates a pending account.
func (m *Manager) Approve(ctx context.Context, accountID string) (*ledger.Account, error) {
	return m.transition(ctx, accountID, "approve", "", []ledger.Status{ledger.StatusPending}, ledger.StatusActive,
		func(a *ledger.Account, now time.Time) error {
			a.ApprovedAt = &now
			a.LastReviewAt = &now
			return nil
		})
}

// Suspend blocks new debits on an active account.
func (m *Manager) Suspend(ctx context.Context, accountID, reason string) (*ledger.Account, error) {
	return m.transition(ctx, accountID, "suspend", reason, []ledger.Status{ledger.StatusActive}, ledger.StatusSuspended,
		func(a *ledger.Account, _ time.Time) error {
			a.SuspensionReason = reason
			return nil
		})
}

// Reactivate returns a suspended account to active.
func (m *Manager) Reactivate(ctx context.Context, accountID string) (*ledger.Account, error) {
	return m.transition(ctx, accountID, "reactivate", "", []ledger.Status{ledger.StatusSuspended}, ledger.StatusActive,
		func(a *ledger.Account, _ time.Time) error {
			a.SuspensionReason = ""
			return nil
		})
}

// Close permanently closes an account with a zero balance.
func (m *Manager) Close(ctx context.Context, accountID, reason string) (*ledger.Account, error) {
	from := []ledger.Status{ledger.StatusPending, ledger.StatusActive, ledger.StatusSuspended}
	return m.transition(ctx, accountID, "close", reason, from, ledger.StatusClosed,
		func(a *ledger.Account, _ time.Time) error {
			if a.CurrentBalance != 0 {
				return fmt.Errorf("%w: balance is %s", ErrBalanceOutstanding, a.CurrentBalance)
			}
			return nil
		})
}

// SetCreditLimit changes the limit and records a credit review. Lowering it
// below the outstanding balance is allowed; further debits are then rejected.
func (m *Manager) SetCreditLimit(ctx context.Context, accountID string, limit money.Amount, reason string) (*ledger.Account, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: credit_limit must be >= 0", ErrInvalidRequest)
	}
	ctx = context.WithoutCancel(ctx)
	var before, after ledger.Account
	err := m.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		if acct.Status == ledger.StatusClosed {
			return fmt.Errorf("%w: account is closed", ErrInvalidTransition)
		}
		before = *acct
		now := m.now().UTC()
		acct.CreditLimit = limit
		acct.LastReviewAt = &now
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		after = *acct
		evt, err := events.New(events.TypeCreditLimitChanged, acct.ID, map[string]interface{}{
			"account_id": acct.ID,
			"old_limit":  before.CreditLimit,
			"new_limit":  limit,
			"reason":     reason,
		})
		if err != nil {
			return err
		}
		return tx.Emit(ctx, evt)
	})
	if err != nil {
		return nil, err
	}
	m.notify()
	m.record(ctx, accountID, "set_credit_limit", &before, &after, reason)
	m.logger.Info("credit limit changed", "account_id", accountID,
		"old_limit", before.CreditLimit.String(), "new_limit", limit.String())
	return m.store.GetAccount(ctx, accountID)
}

func (m *Manager) transition(ctx context.Context, accountID, op, reason string, from []ledger.Status, to ledger.Status,
	mutate func(a *ledger.Account, now time.Time) error) (*ledger.Account, error) {

	ctx = context.WithoutCancel(ctx)
	var before, after ledger.Account
	err := m.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		if !statusIn(acct.Status, from) {
			return fmt.Errorf("%w: cannot %s a %s account", ErrInvalidTransition, op, acct.Status)
		}
		before = *acct
		now := m.now().UTC()
		if err := mutate(acct, now); err != nil {
			return err
		}
		acct.Status = to
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		after = *acct
		return emitStatus(ctx, tx, acct.ID, before.Status, to, reason)
	})
	if err != nil {
		return nil, err
	}
	m.notify()
	m.record(ctx, accountID, op, &before, &after, reason)
	m.logger.Info("account status changed", "account_id", accountID,
		"from", before.Status, "to", to, "reason", reason)
	return m.store.GetAccount(ctx, accountID)
}

func statusIn(s ledger.Status, set []ledger.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func emitStatus(ctx context.Context, tx ledger.AccountTx, accountID string, from, to ledger.Status, reason string) error {
	evt, err := events.New(events.TypeAccountStatusChanged, accountID, map[string]string{
		"account_id": accountID,
		"from":       string(from),
		"to":         string(to),
		"reason":     reason,
	})
	if err != nil {
		return err
	}
	return tx.Emit(ctx, evt)
}

func (m *Manager) record(ctx context.Context, accountID, op string, before, after interface{}, desc string) {
	if err := audit.Record(ctx, m.audit, "account", accountID, op, before, after, desc); err != nil {
		m.logger.Warn("failed to write audit entry", "account_id", accountID, "operation", op, "error", err)
	}
}
