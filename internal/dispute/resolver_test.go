package dispute

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
)

type fixture struct {
	mgr    *credit.Manager
	store  *MemoryStore
	audit  *audit.MemoryLogger
	outbox *events.MemoryOutbox
	res    *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ob := events.NewMemoryOutbox()
	mgr := credit.NewManager(ledger.NewMemoryStore(ob), logger)
	f := &fixture{mgr: mgr, store: NewMemoryStore(), audit: audit.NewMemoryLogger(), outbox: ob}
	f.res = NewResolver(f.store, mgr, mgr, logger).WithAuditLogger(f.audit).WithOutbox(ob)
	return f
}

// disputedOrder debits an order and opens an investigating dispute for it.
func (f *fixture) disputedOrder(t *testing.T, amount money.Amount) (*ledger.Account, *Dispute) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.mgr.Open(ctx, credit.OpenRequest{BusinessID: "biz-" + idgen.New(), CreditLimit: 1_000_000})
	require.NoError(t, err)
	acct, err = f.mgr.Approve(ctx, acct.ID)
	require.NoError(t, err)
	_, _, err = f.mgr.Apply(ctx, credit.ApplyRequest{
		AccountID: acct.ID, Delta: -amount,
		Reference:      ledger.Reference{Kind: ledger.RefOrder, ID: "ord-1"},
		IdempotencyKey: "order:1",
	})
	require.NoError(t, err)

	d, err := f.res.Submit(ctx, SubmitRequest{
		AccountID: acct.ID, OrderID: "ord-1", Type: TypeQuality,
		Reason: "bruised stone fruit", DisputedAmount: amount,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, d.Status)
	d, err = f.res.Investigate(ctx, d.ID, "")
	require.NoError(t, err)
	return acct, d
}

func (f *fixture) balance(t *testing.T, id string) money.Amount {
	t.Helper()
	b, err := f.mgr.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.CurrentBalance
}

func TestResolve_FullRefundRestoresPreDisputeBalance(t *testing.T) {
	f := newFixture(t)
	acct, d := f.disputedOrder(t, 40_000)
	require.Equal(t, money.Amount(-40_000), f.balance(t, acct.ID))

	d, entry, err := f.res.Resolve(context.Background(), d.ID, ResolveRequest{ResolutionType: ResolutionFullRefund})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, money.Amount(40_000), entry.Amount)
	assert.Equal(t, ledger.EntryCredit, entry.Type)
	assert.Equal(t, ledger.RefDispute, entry.Reference.Kind)
	assert.Equal(t, ResolutionKey(d.ID), entry.IdempotencyKey)
	assert.Equal(t, StatusResolved, d.Status)
	assert.Equal(t, entry.ID, d.LedgerEntryID)
	assert.Equal(t, money.Zero, f.balance(t, acct.ID))
}

func TestResolve_PartialRefundBounds(t *testing.T) {
	f := newFixture(t)
	acct, d := f.disputedOrder(t, 40_000)
	ctx := context.Background()

	_, _, err := f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionPartialRefund, ResolutionAmount: 40_001})
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, _, err = f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionPartialRefund})
	assert.ErrorIs(t, err, ErrInvalidResolution)

	_, entry, err := f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionPartialRefund, ResolutionAmount: 15_000})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(15_000), entry.Amount)
	assert.Equal(t, money.Amount(-25_000), f.balance(t, acct.ID))
}

func TestResolve_AdjustmentMayDebit(t *testing.T) {
	f := newFixture(t)
	acct, d := f.disputedOrder(t, 10_000)

	_, entry, err := f.res.Resolve(context.Background(), d.ID, ResolveRequest{
		ResolutionType: ResolutionAdjustment, ResolutionAmount: -500,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryDebit, entry.Type)
	assert.Equal(t, money.Amount(-10_500), f.balance(t, acct.ID))
}

func TestResolve_NoActionAndRejectPostNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, d := f.disputedOrder(t, 10_000)

	d, entry, err := f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionNoAction})
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, StatusResolved, d.Status)

	d2, err := f.res.Submit(ctx, SubmitRequest{AccountID: acct.ID, Type: TypeDelivery, Reason: "late", DisputedAmount: 100})
	require.NoError(t, err)
	_, err = f.res.Investigate(ctx, d2.ID, "")
	require.NoError(t, err)
	d2, err = f.res.Reject(ctx, d2.ID, "delivered on time per driver log")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, d2.Status)
	assert.NotNil(t, d2.ResolvedAt)

	assert.Equal(t, money.Amount(-10_000), f.balance(t, acct.ID))
}

func TestResolve_RetryDoesNotCreditTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, d := f.disputedOrder(t, 10_000)

	// Simulate a crash after the ledger write: the entry exists but the
	// dispute row was never updated.
	_, _, err := f.mgr.Apply(ctx, credit.ApplyRequest{
		AccountID: acct.ID, Delta: 10_000,
		Reference:      ledger.Reference{Kind: ledger.RefDispute, ID: d.ID},
		IdempotencyKey: ResolutionKey(d.ID),
	})
	require.NoError(t, err)

	_, entry, err := f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionFullRefund})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, money.Zero, f.balance(t, acct.ID))

	entries, err := f.mgr.ListEntries(ctx, acct.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// A different resolution under the same key is a conflict, not a second credit.
	d3, err := f.store.Get(ctx, d.ID)
	require.NoError(t, err)
	d3.Status = StatusInvestigating
	require.NoError(t, f.store.Update(ctx, d3))
	_, _, err = f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionPartialRefund, ResolutionAmount: 5})
	assert.ErrorIs(t, err, idempotency.ErrKeyConflict)
}

func TestTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputedOrder(t, 1_000)

	_, err := f.res.Close(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	d, err = f.res.Escalate(ctx, d.ID, "needs vendor input")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, d.Status)

	_, _, err = f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionFullRefund})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	d, err = f.res.Investigate(ctx, d.ID, "")
	require.NoError(t, err)
	d, _, err = f.res.Resolve(ctx, d.ID, ResolveRequest{ResolutionType: ResolutionCreditApplied, ResolutionAmount: 200})
	require.NoError(t, err)

	d, err = f.res.Close(ctx, d.ID, "")
	require.NoError(t, err)
	assert.True(t, d.IsTerminal())
	assert.NotNil(t, d.ClosedAt)

	_, err = f.res.Investigate(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// submit, investigate, escalate, investigate, resolve, close
	assert.Len(t, f.audit.Entries(), 6)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.res.Submit(ctx, SubmitRequest{AccountID: "acct_x", Type: TypeQuality, Reason: "r", DisputedAmount: 1})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = f.res.Submit(ctx, SubmitRequest{AccountID: "acct_x", Type: "weather", Reason: "r", DisputedAmount: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.res.Submit(ctx, SubmitRequest{AccountID: "acct_x", Type: TypeQuality, Reason: "r"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResolve_ConcurrentResolveCreditsOnce(t *testing.T) {
	f := newFixture(t)
	acct, d := f.disputedOrder(t, 10_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.res.Resolve(context.Background(), d.ID, ResolveRequest{ResolutionType: ResolutionFullRefund})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, money.Zero, f.balance(t, acct.ID))
}
