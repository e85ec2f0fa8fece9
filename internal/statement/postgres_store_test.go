//go:build integration

package statement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/testutil"
)

func TestPostgres_SnapshotIsStoredOncePerPeriod(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := day(1, 10)
	clock := func() time.Time { return now }

	ls := ledger.NewPostgresStore(db)
	mgr := credit.NewManager(ls, logger).WithClock(clock)
	gen := NewGenerator(ls, billing.NewPostgresStore(db), NewPostgresStore(db), logger).WithClock(clock)

	acct, err := mgr.Open(ctx, credit.OpenRequest{BusinessID: "biz-" + idgen.New(), CreditLimit: 100_000})
	require.NoError(t, err)
	acct, err = mgr.Approve(ctx, acct.ID)
	require.NoError(t, err)

	for i, at := range []time.Time{day(1, 20), day(2, 3), day(2, 14)} {
		now = at
		_, _, err := mgr.Apply(ctx, credit.ApplyRequest{
			AccountID:      acct.ID,
			Delta:          -money.Amount(1_000 * (i + 1)),
			Reference:      ledger.Reference{Kind: ledger.RefOrder, ID: idgen.New()},
			IdempotencyKey: idgen.New(),
		})
		require.NoError(t, err)
	}

	from, to := MonthBounds(day(2, 1))
	st, created, err := gen.Snapshot(ctx, acct.ID, from, to)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, money.Amount(-1_000), st.OpeningBalance)
	assert.Equal(t, money.Amount(-6_000), st.ClosingBalance)
	assert.Equal(t, 2, st.EntryCount)
	assert.Equal(t, money.Amount(-5_000), st.TotalsByReference[ledger.RefOrder])

	again, created, err := gen.Snapshot(ctx, acct.ID, from, to)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, st.ID, again.ID)

	got, err := gen.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.ClosingBalance, got.ClosingBalance)
	assert.Equal(t, st.TotalsByReference, got.TotalsByReference)

	list, err := gen.List(ctx, acct.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = gen.Get(ctx, "stm_missing")
	assert.ErrorIs(t, err, ErrStatementNotFound)
}
