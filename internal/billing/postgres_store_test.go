//go:build integration

package billing

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/testutil"
)

type pgFixture struct {
	db    *sql.DB
	mgr   *credit.Manager
	store *PostgresStore
	svc   *Service
	now   time.Time
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := credit.NewManager(ledger.NewPostgresStore(db), logger)
	f := &pgFixture{
		db:    db,
		mgr:   mgr,
		store: NewPostgresStore(db),
		now:   time.Now().UTC().Truncate(time.Microsecond),
	}
	f.svc = NewService(f.store, mgr, mgr, events.NewPostgresOutbox(db), logger).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *pgFixture) account(t *testing.T, limit money.Amount) *ledger.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := f.mgr.Open(ctx, credit.OpenRequest{BusinessID: "biz-" + idgen.New(), CreditLimit: limit})
	require.NoError(t, err)
	acct, err = f.mgr.Approve(ctx, acct.ID)
	require.NoError(t, err)
	return acct
}

func TestPostgresStore_InvoiceRoundTripAndVersioning(t *testing.T) {
	f := newPGFixture(t)
	acct := f.account(t, 1_000_000)
	ctx := context.Background()

	inv, err := f.svc.CreateInvoice(ctx, CreateInvoiceRequest{AccountID: acct.ID, Number: "INV-PG-1", Subtotal: 10_000, Tax: 800})
	require.NoError(t, err)

	_, err = f.svc.CreateInvoice(ctx, CreateInvoiceRequest{AccountID: acct.ID, Number: "INV-PG-1", Subtotal: 1})
	assert.ErrorIs(t, err, ErrDuplicateInvoice)

	byNumber, err := f.store.GetInvoiceByNumber(ctx, "INV-PG-1")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, byNumber.ID)
	assert.Equal(t, money.Amount(10_800), byNumber.Total)

	stale := *byNumber
	byNumber.Status = InvoiceSent
	byNumber.UpdatedAt = f.now
	require.NoError(t, f.store.UpdateInvoice(ctx, byNumber))
	assert.ErrorIs(t, f.store.UpdateInvoice(ctx, &stale), ErrVersionConflict)

	_, err = f.store.GetInvoice(ctx, "inv_missing")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestPostgresStore_SettlePaymentAndReversal(t *testing.T) {
	f := newPGFixture(t)
	acct := f.account(t, 1_000_000)
	ctx := context.Background()

	inv, err := f.svc.CreateInvoice(ctx, CreateInvoiceRequest{AccountID: acct.ID, Subtotal: 5_000})
	require.NoError(t, err)

	pay := &PaymentTransaction{
		ID: idgen.WithPrefix("pay_"), AccountID: acct.ID, InvoiceID: inv.ID, Type: PaymentCharge,
		Amount: 5_000, Currency: inv.Currency, Status: PaymentProcessing, GatewayReference: "pi_pg_1",
		CreatedAt: f.now, UpdatedAt: f.now,
	}
	require.NoError(t, f.store.CreatePayment(ctx, pay))
	assert.ErrorIs(t, f.store.CreatePayment(ctx, pay), ErrDuplicatePayment)

	got, err := f.store.GetPaymentByGatewayRef(ctx, "pi_pg_1")
	require.NoError(t, err)
	require.NoError(t, got.Transition(PaymentCompleted, f.now))
	inv.ApplyPayment(got.Amount, f.now)
	inv.UpdatedAt = f.now
	require.NoError(t, f.store.Settle(ctx, got, inv))

	inv, err = f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, inv.Status)
	require.NotNil(t, inv.PaidAt)

	reversal := &PaymentTransaction{
		ID: idgen.WithPrefix("pay_"), AccountID: acct.ID, InvoiceID: inv.ID, Type: PaymentRefund,
		Amount: 5_000, Currency: inv.Currency, Status: PaymentCompleted, GatewayReference: "re_pg_1",
		OriginalPaymentID: got.ID, CreatedAt: f.now, UpdatedAt: f.now,
	}
	got.RefundedAmount = 5_000
	got.UpdatedAt = f.now
	require.NoError(t, f.store.SettleReversal(ctx, reversal, got, inv))

	payments, err := f.store.ListPaymentsByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, got.ID, payments[1].OriginalPaymentID)
}

func TestPostgresStore_SweepOverdueChargesFeeOnce(t *testing.T) {
	f := newPGFixture(t)
	acct := f.account(t, 1_000_000)
	ctx := context.Background()

	inv, err := f.svc.CreateInvoice(ctx, CreateInvoiceRequest{AccountID: acct.ID, Subtotal: 100_000})
	require.NoError(t, err)

	f.now = inv.DueDate.Add(10 * 24 * time.Hour)
	res, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedOverdue)
	assert.Equal(t, 1, res.FeesCharged)

	res, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.FeesCharged)

	bal, err := f.mgr.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(-2_000), bal.CurrentBalance)
}
