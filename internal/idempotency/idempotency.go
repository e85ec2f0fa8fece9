// Package idempotency decides whether a keyed request has already taken
// effect, and reserves the key when it has not.
//
// Keys live in a scope. Ledger keys are scoped to an account and stored on
// the ledger entries themselves, so they are never purged. Gateway keys
// (webhook event IDs) share the "gateway" scope and live in a separate
// table that a retention timer trims.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ScopeGateway is the shared scope for payment gateway event IDs.
const ScopeGateway = "gateway"

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 255

var (
	ErrEmptyKey    = errors.New("idempotency key is required")
	ErrKeyTooLong  = fmt.Errorf("idempotency key exceeds %d characters", MaxKeyLength)
	ErrKeyConflict = errors.New("idempotency key reused with different parameters")
	ErrKeyExists   = errors.New("idempotency key already reserved")
)

// Record is a reserved key and the result it produced.
type Record struct {
	Scope       string    `json:"scope"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	ResultID    string    `json:"resultId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// KeyStore looks up and reserves keys. LookupKey returns (nil, nil) when
// the key is unknown. ReserveKey returns ErrKeyExists if another writer got
// there first.
type KeyStore interface {
	LookupKey(ctx context.Context, scope, key string) (*Record, error)
	ReserveKey(ctx context.Context, rec *Record) error
}

// Purger removes keys older than a cutoff.
type Purger interface {
	PurgeKeys(ctx context.Context, scope string, before time.Time) (int64, error)
}

// ValidateKey checks a caller-supplied key.
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// Guard implements check-and-reserve over any KeyStore.
type Guard struct {
	now func() time.Time
}

// NewGuard creates a guard.
func NewGuard() *Guard {
	return &Guard{now: time.Now}
}

// Check reports whether key already took effect in scope. A key seen with a
// different fingerprint is ErrKeyConflict.
func (g *Guard) Check(ctx context.Context, ks KeyStore, scope, key, fingerprint string) (alreadyApplied bool, priorID string, err error) {
	if err := ValidateKey(key); err != nil {
		return false, "", err
	}
	rec, err := ks.LookupKey(ctx, scope, key)
	if err != nil {
		return false, "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	if rec == nil {
		return false, "", nil
	}
	if rec.Fingerprint != fingerprint {
		return false, rec.ResultID, fmt.Errorf("%w: key %q", ErrKeyConflict, key)
	}
	return true, rec.ResultID, nil
}

// CheckAndReserve is Check followed by a reservation of key for resultID
// when the key is new. When a concurrent writer reserves the same key first
// the decision is re-evaluated against their record.
func (g *Guard) CheckAndReserve(ctx context.Context, ks KeyStore, scope, key, fingerprint, resultID string) (alreadyApplied bool, priorID string, err error) {
	applied, prior, err := g.Check(ctx, ks, scope, key, fingerprint)
	if err != nil || applied {
		return applied, prior, err
	}

	err = ks.ReserveKey(ctx, &Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		ResultID:    resultID,
		CreatedAt:   g.now().UTC(),
	})
	if errors.Is(err, ErrKeyExists) {
		return g.Check(ctx, ks, scope, key, fingerprint)
	}
	if err != nil {
		return false, "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	return false, "", nil
}
