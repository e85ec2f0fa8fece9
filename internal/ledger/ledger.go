// Package ledger stores B2B credit accounts and their append-only entries.
//
// Every balance change is one Entry recording the balance before and after,
// so an account's history is a chain: each entry's BalanceBefore equals the
// previous entry's BalanceAfter, and the last BalanceAfter equals the
// account's CurrentBalance. Writers go through Store.WithAccount, which
// serializes all changes to one account and commits them atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/money"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists for business")
	ErrEntryNotFound    = errors.New("ledger entry not found")
	ErrVersionConflict  = errors.New("account modified concurrently")
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// Status is an account lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusClosed:
		return true
	}
	return false
}

// Debitable reports whether an account in this status may take new debits.
func (s Status) Debitable() bool {
	return s == StatusActive
}

// EntryType is the direction of an entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// ReferenceKind names what caused an entry.
type ReferenceKind string

const (
	RefOrder   ReferenceKind = "order"
	RefInvoice ReferenceKind = "invoice"
	RefPayment ReferenceKind = "payment"
	RefDispute ReferenceKind = "dispute"
	RefLateFee ReferenceKind = "late_fee"
)

// Valid reports whether k is a known reference kind.
func (k ReferenceKind) Valid() bool {
	switch k {
	case RefOrder, RefInvoice, RefPayment, RefDispute, RefLateFee:
		return true
	}
	return false
}

// Reference points at the business object an entry belongs to.
type Reference struct {
	Kind ReferenceKind `json:"kind"`
	ID   string        `json:"id"`
}

func (r Reference) String() string { return string(r.Kind) + ":" + r.ID }

// Validate checks the reference is complete.
func (r Reference) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown reference kind %q", r.Kind)
	}
	if r.ID == "" {
		return errors.New("reference id is required")
	}
	return nil
}

// Account is a business's credit account.
type Account struct {
	ID               string       `json:"id"`
	BusinessID       string       `json:"businessId"`
	Currency         string       `json:"currency"`
	CreditLimit      money.Amount `json:"creditLimit"`
	CurrentBalance   money.Amount `json:"currentBalance"`
	Status           Status       `json:"status"`
	PaymentTermsDays int          `json:"paymentTermsDays"`
	LateFeeBps       int          `json:"lateFeeBps"`
	SuspensionReason string       `json:"suspensionReason,omitempty"`
	IntegrityHold    bool         `json:"integrityHold"`
	HoldReason       string       `json:"holdReason,omitempty"`
	LastSequence     int64        `json:"lastSequence"`
	Version          int64        `json:"version"`
	ApprovedAt       *time.Time   `json:"approvedAt,omitempty"`
	LastReviewAt     *time.Time   `json:"lastReviewAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// AvailableCredit is how much more can be debited: max(0, limit + balance).
func (a *Account) AvailableCredit() money.Amount {
	return money.Max(0, a.CreditLimit+a.CurrentBalance)
}

// Entry is one immutable ledger line.
type Entry struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	Sequence       int64        `json:"sequence"`
	Type           EntryType    `json:"type"`
	Amount         money.Amount `json:"amount"`
	BalanceBefore  money.Amount `json:"balanceBefore"`
	BalanceAfter   money.Amount `json:"balanceAfter"`
	Reference      Reference    `json:"reference"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Description    string       `json:"description,omitempty"`
	CreatedBy      audit.Actor  `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Signed returns the entry's effect on the balance.
func (e *Entry) Signed() money.Amount {
	if e.Type == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

// Fingerprint identifies the request parameters behind an entry, so a reused
// idempotency key can be told apart from a genuine retry.
func Fingerprint(t EntryType, amount money.Amount, ref Reference) string {
	return fmt.Sprintf("%s|%d|%s|%s", t, amount, ref.Kind, ref.ID)
}

// Fingerprint of an existing entry.
func (e *Entry) Fingerprint() string {
	return Fingerprint(e.Type, e.Amount, e.Reference)
}

// CheckChain verifies the entry's own arithmetic and, when prev is non-nil,
// that it continues prev.
func (e *Entry) CheckChain(prev *Entry) error {
	if e.Amount <= 0 {
		return fmt.Errorf("entry %s: non-positive amount %d", e.ID, e.Amount)
	}
	if e.BalanceBefore+e.Signed() != e.BalanceAfter {
		return fmt.Errorf("entry %s: %d %+d != %d", e.ID, e.BalanceBefore, e.Signed(), e.BalanceAfter)
	}
	if prev == nil {
		if e.BalanceBefore != 0 {
			return fmt.Errorf("entry %s: first entry starts at %d", e.ID, e.BalanceBefore)
		}
		return nil
	}
	if e.Sequence != prev.Sequence+1 {
		return fmt.Errorf("entry %s: sequence %d follows %d", e.ID, e.Sequence, prev.Sequence)
	}
	if e.BalanceBefore != prev.BalanceAfter {
		return fmt.Errorf("entry %s: balance_before %d != previous balance_after %d", e.ID, e.BalanceBefore, prev.BalanceAfter)
	}
	return nil
}

// EntryQuery filters ListEntries. Zero times are open bounds; From is
// inclusive and To exclusive. Results are ordered by sequence.
type EntryQuery struct {
	From     time.Time
	To       time.Time
	AfterSeq int64
	Limit    int
}

// AccountTx is an exclusive, atomic unit of work on one account. Writes are
// staged and become visible together when the enclosing WithAccount
// callback returns nil; any error discards them all.
//
// AccountTx is also the idempotency KeyStore for ledger keys: the scope is
// the account ID and reservations are committed with the entry.
type AccountTx interface {
	idempotency.KeyStore

	// Account returns the locked account as of the start of the unit.
	Account() *Account
	// LastEntry returns the chain head, or nil for an account with no entries.
	LastEntry(ctx context.Context) (*Entry, error)
	GetEntry(ctx context.Context, id string) (*Entry, error)
	AppendEntry(ctx context.Context, e *Entry) error
	// UpdateAccount stages a new account state; the version must match.
	UpdateAccount(ctx context.Context, a *Account) error
	// Emit stages a domain event for the outbox.
	Emit(ctx context.Context, evt *events.Event) error
}

// Store persists accounts and entries.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByBusiness(ctx context.Context, businessID string) (*Account, error)
	ListAccounts(ctx context.Context, status Status, limit int) ([]*Account, error)

	// WithAccount runs fn with the account locked against all other writers.
	WithAccount(ctx context.Context, accountID string, fn func(tx AccountTx) error) error

	GetEntry(ctx context.Context, id string) (*Entry, error)
	ListEntries(ctx context.Context, accountID string, q EntryQuery) ([]*Entry, error)
	// LastEntryBefore returns the last entry created strictly before t,
	// or ErrEntryNotFound.
	LastEntryBefore(ctx context.Context, accountID string, t time.Time) (*Entry, error)
}

// VerifyChain walks an account's full history and checks every link plus
// the final balance. Returns nil when consistent.
func VerifyChain(ctx context.Context, s Store, acct *Account) error {
	var (
		prev  *Entry
		after int64
	)
	for {
		page, err := s.ListEntries(ctx, acct.ID, EntryQuery{AfterSeq: after, Limit: 500})
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := e.CheckChain(prev); err != nil {
				return err
			}
			prev = e
		}
		if len(page) < 500 {
			break
		}
		after = page[len(page)-1].Sequence
	}
	var head money.Amount
	if prev != nil {
		head = prev.BalanceAfter
	}
	if head != acct.CurrentBalance {
		return fmt.Errorf("account %s: balance %d but ledger sums to %d", acct.ID, acct.CurrentBalance, head)
	}
	return nil
}
