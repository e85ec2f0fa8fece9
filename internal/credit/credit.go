// Package credit applies balance changes to B2B credit accounts and runs
// their lifecycle.
//
// Manager.Apply is the only way a balance moves. Each call takes the
// account's lock, checks idempotency, integrity, status and credit limit in
// that order, then writes the entry, the new balance and an outbox event in
// one atomic unit.
package credit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")
	ErrAccountNotDebitable = errors.New("account does not accept debits")
	ErrIntegrityHold       = errors.New("account is under integrity hold")
	ErrInvalidTransition   = errors.New("invalid account status transition")
	ErrBalanceOutstanding  = errors.New("account balance must be zero")
)

// Error codes returned to API callers.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeCreditLimitExceeded = "credit_limit_exceeded"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeAccountLocked       = "account_locked"
	CodeIntegrityHold       = "account_integrity_hold"
	CodeInvalidTransition   = "invalid_transition"
	CodeBalanceOutstanding  = "balance_outstanding"
	CodeStoreUnavailable    = "store_unavailable"
	CodeInternal            = "internal_error"
)

// ApplyError is a rejected Apply with the balance context the caller needs.
type ApplyError struct {
	Code          string       `json:"error"`
	AccountID     string       `json:"accountId"`
	Requested     money.Amount `json:"requested"`
	BalanceBefore money.Amount `json:"balanceBefore"`
	CreditLimit   money.Amount `json:"creditLimit"`
	Err           error        `json:"-"`
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: account %s balance %s limit %s requested %s",
		e.Err, e.AccountID, e.BalanceBefore, e.CreditLimit, e.Requested)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ApplyRequest asks for one signed balance change. Negative deltas are
// debits (the business owes more), positive deltas are credits.
type ApplyRequest struct {
	AccountID      string           `json:"-"`
	Delta          money.Amount     `json:"delta"`
	Reference      ledger.Reference `json:"reference"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Description    string           `json:"description,omitempty"`
}

func (r *ApplyRequest) validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if r.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidRequest)
	}
	if err := r.Reference.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := idempotency.ValidateKey(r.IdempotencyKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Balance is a point-in-time view of an account's position.
type Balance struct {
	AccountID       string        `json:"account_id"`
	Currency        string        `json:"currency"`
	CurrentBalance  money.Amount  `json:"current_balance"`
	CreditLimit     money.Amount  `json:"credit_limit"`
	AvailableCredit money.Amount  `json:"available_credit"`
	Status          ledger.Status `json:"status"`
	IntegrityHold   bool          `json:"integrity_hold"`
}

// OpenRequest creates a pending account.
type OpenRequest struct {
	BusinessID       string       `json:"business_id" binding:"required"`
	Currency         string       `json:"currency"`
	CreditLimit      money.Amount `json:"credit_limit"`
	PaymentTermsDays int          `json:"payment_terms_days"`
	LateFeeBps       int          `json:"late_fee_bps"`
}

// VerifyResult reports the outcome of an integrity check.
type VerifyResult struct {
	AccountID string `json:"account_id"`
	OK        bool   `json:"ok"`
	Problem   string `json:"problem,omitempty"`
	Held      bool   `json:"held"`
}

// ErrorStatus maps an error from this package, the ledger or the
// idempotency guard to an HTTP status and API error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrOverflow), errors.Is(err, idempotency.ErrEmptyKey),
		errors.Is(err, idempotency.ErrKeyTooLong):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrEntryNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrCreditLimitExceeded):
		return http.StatusConflict, CodeCreditLimitExceeded
	case errors.Is(err, idempotency.ErrKeyConflict):
		return http.StatusConflict, CodeIdempotencyConflict
	case errors.Is(err, ErrAccountNotDebitable):
		return http.StatusLocked, CodeAccountLocked
	case errors.Is(err, ErrIntegrityHold):
		return http.StatusLocked, CodeIntegrityHold
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, ErrBalanceOutstanding):
		return http.StatusConflict, CodeBalanceOutstanding
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, ledger.ErrVersionConflict):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}
