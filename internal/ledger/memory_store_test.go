package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/money"
)

func newAccount(id string) *Account {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Account{
		ID:          id,
		BusinessID:  "biz_" + id,
		Currency:    "AUD",
		CreditLimit: 100000,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// appendDelta writes one entry through WithAccount the way the credit
// manager does, minus the business rules.
func appendDelta(t *testing.T, s Store, accountID string, delta money.Amount, at time.Time) *Entry {
	t.Helper()
	var out *Entry
	err := s.WithAccount(context.Background(), accountID, func(tx AccountTx) error {
		acct := tx.Account()
		typ := EntryCredit
		if delta < 0 {
			typ = EntryDebit
		}
		e := &Entry{
			ID:             "ent_" + at.Format("150405.000000000"),
			AccountID:      accountID,
			Sequence:       acct.LastSequence + 1,
			Type:           typ,
			Amount:         delta.Abs(),
			BalanceBefore:  acct.CurrentBalance,
			BalanceAfter:   acct.CurrentBalance + delta,
			Reference:      Reference{Kind: RefOrder, ID: "ord_1"},
			IdempotencyKey: "k-" + at.Format(time.RFC3339Nano),
			CreatedAt:      at,
		}
		if err := tx.AppendEntry(context.Background(), e); err != nil {
			return err
		}
		acct.CurrentBalance = e.BalanceAfter
		acct.LastSequence = e.Sequence
		out = e
		return tx.UpdateAccount(context.Background(), acct)
	})
	require.NoError(t, err)
	return out
}

func TestMemoryStore_CreateAccountUniqueBusiness(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	dup := newAccount("a2")
	dup.BusinessID = "biz_a1"
	assert.ErrorIs(t, s.CreateAccount(ctx, dup), ErrAccountExists)

	got, err := s.GetAccountByBusiness(ctx, "biz_a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
}

func TestMemoryStore_WithAccountCommitsAtomically(t *testing.T) {
	ob := events.NewMemoryOutbox()
	s := NewMemoryStore(ob)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	appendDelta(t, s, "a1", -5000, base)
	appendDelta(t, s, "a1", 2000, base.Add(time.Minute))

	acct, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(-3000), acct.CurrentBalance)
	assert.Equal(t, int64(2), acct.Version)
	require.NoError(t, VerifyChain(ctx, s, acct))
}

func TestMemoryStore_ErrorDiscardsStagedWrites(t *testing.T) {
	ob := events.NewMemoryOutbox()
	s := NewMemoryStore(ob)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	boom := errors.New("boom")
	err := s.WithAccount(ctx, "a1", func(tx AccountTx) error {
		require.NoError(t, tx.ReserveKey(ctx, &idempotency.Record{Scope: "a1", Key: "k1", ResultID: "e1"}))
		require.NoError(t, tx.AppendEntry(ctx, &Entry{ID: "e1", AccountID: "a1", Sequence: 1, Type: EntryDebit, Amount: 10, BalanceAfter: -10}))
		evt, _ := events.New(events.TypeEntryApplied, "a1", nil)
		require.NoError(t, tx.Emit(ctx, evt))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEntry(ctx, "e1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.Equal(t, 0, ob.Len())

	err = s.WithAccount(ctx, "a1", func(tx AccountTx) error {
		rec, err := tx.LookupKey(ctx, "a1", "k1")
		require.NoError(t, err)
		assert.Nil(t, rec)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_FailNextCommit(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	s.FailNextCommit(ErrStoreUnavailable)
	err := s.WithAccount(ctx, "a1", func(tx AccountTx) error {
		acct := tx.Account()
		acct.CurrentBalance = -1
		return tx.UpdateAccount(ctx, acct)
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	acct, _ := s.GetAccount(ctx, "a1")
	assert.Equal(t, money.Amount(0), acct.CurrentBalance)
}

func TestMemoryStore_KeyScopeIsLockedAccount(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	err := s.WithAccount(ctx, "a1", func(tx AccountTx) error {
		_, err := tx.LookupKey(ctx, "a2", "k")
		return err
	})
	assert.Error(t, err)
}

func TestMemoryStore_ListEntriesWindow(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))

	d1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	d3 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	appendDelta(t, s, "a1", -100, d1)
	appendDelta(t, s, "a1", -200, d2)
	appendDelta(t, s, "a1", 50, d3)

	march, err := s.ListEntries(ctx, "a1", EntryQuery{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, march, 2, "To is exclusive")

	page, err := s.ListEntries(ctx, "a1", EntryQuery{AfterSeq: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Sequence)

	before, err := s.LastEntryBefore(ctx, "a1", d3)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(-300), before.BalanceAfter)

	_, err = s.LastEntryBefore(ctx, "a1", d1)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1")))
	appendDelta(t, s, "a1", -100, time.Now())

	s.OverwriteBalance("a1", -999)
	acct, _ := s.GetAccount(ctx, "a1")
	assert.Error(t, VerifyChain(ctx, s, acct))
}

func TestEntryCheckChain(t *testing.T) {
	first := &Entry{ID: "e1", Sequence: 1, Type: EntryDebit, Amount: 100, BalanceBefore: 0, BalanceAfter: -100}
	require.NoError(t, first.CheckChain(nil))

	next := &Entry{ID: "e2", Sequence: 2, Type: EntryCredit, Amount: 40, BalanceBefore: -100, BalanceAfter: -60}
	require.NoError(t, next.CheckChain(first))

	gap := &Entry{ID: "e3", Sequence: 3, Type: EntryCredit, Amount: 40, BalanceBefore: -50, BalanceAfter: -10}
	assert.Error(t, gap.CheckChain(next))

	badMath := &Entry{ID: "e4", Sequence: 3, Type: EntryCredit, Amount: 40, BalanceBefore: -60, BalanceAfter: 0}
	assert.Error(t, badMath.CheckChain(next))
}

func TestStatusDebitable(t *testing.T) {
	assert.True(t, StatusActive.Debitable())
	for _, s := range []Status{StatusPending, StatusSuspended, StatusClosed} {
		assert.False(t, s.Debitable(), s)
	}
}

func TestAvailableCredit(t *testing.T) {
	a := &Account{CreditLimit: 1000, CurrentBalance: -400}
	assert.Equal(t, money.Amount(600), a.AvailableCredit())
	a.CurrentBalance = -1500
	assert.Equal(t, money.Amount(0), a.AvailableCredit())
	a.CurrentBalance = 250
	assert.Equal(t, money.Amount(1250), a.AvailableCredit())
}
