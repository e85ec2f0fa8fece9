package idempotency

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndReserveFirstUse(t *testing.T) {
	g := NewGuard()
	ks := NewMemoryStore()

	applied, prior, err := g.CheckAndReserve(context.Background(), ks, "acct_1", "k1", "fp", "ent_1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, prior)

	applied, prior, err = g.CheckAndReserve(context.Background(), ks, "acct_1", "k1", "fp", "ent_2")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "ent_1", prior)
}

func TestCheckAndReserveConflict(t *testing.T) {
	g := NewGuard()
	ks := NewMemoryStore()
	_, _, err := g.CheckAndReserve(context.Background(), ks, "acct_1", "k1", "fp-a", "ent_1")
	require.NoError(t, err)

	_, _, err = g.CheckAndReserve(context.Background(), ks, "acct_1", "k1", "fp-b", "ent_2")
	assert.ErrorIs(t, err, ErrKeyConflict)
}

func TestScopesAreIndependent(t *testing.T) {
	g := NewGuard()
	ks := NewMemoryStore()
	_, _, err := g.CheckAndReserve(context.Background(), ks, "acct_1", "k1", "fp", "ent_1")
	require.NoError(t, err)

	applied, _, err := g.CheckAndReserve(context.Background(), ks, "acct_2", "k1", "fp", "ent_2")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestValidateKey(t *testing.T) {
	assert.ErrorIs(t, ValidateKey(""), ErrEmptyKey)
	assert.ErrorIs(t, ValidateKey(strings.Repeat("x", MaxKeyLength+1)), ErrKeyTooLong)
	assert.NoError(t, ValidateKey("order-123"))
}

// racingStore simulates a concurrent writer reserving between lookup and insert.
type racingStore struct {
	*MemoryStore
	raced bool
}

func (r *racingStore) ReserveKey(ctx context.Context, rec *Record) error {
	if !r.raced {
		r.raced = true
		other := *rec
		other.ResultID = "winner"
		_ = r.MemoryStore.ReserveKey(ctx, &other)
	}
	return r.MemoryStore.ReserveKey(ctx, rec)
}

func TestCheckAndReserveLosesRace(t *testing.T) {
	ks := &racingStore{MemoryStore: NewMemoryStore()}
	applied, prior, err := NewGuard().CheckAndReserve(context.Background(), ks, ScopeGateway, "evt_1", "fp", "mine")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "winner", prior)
}

func TestPurgeTimerRemovesOnlyExpiredGatewayKeys(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryStore()
	now := time.Now()
	require.NoError(t, ks.ReserveKey(ctx, &Record{Scope: ScopeGateway, Key: "old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, ks.ReserveKey(ctx, &Record{Scope: ScopeGateway, Key: "new", CreatedAt: now}))
	require.NoError(t, ks.ReserveKey(ctx, &Record{Scope: "acct_1", Key: "old", CreatedAt: now.Add(-48 * time.Hour)}))

	timer := NewPurgeTimer(ks, 24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := timer.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, _ := ks.LookupKey(ctx, ScopeGateway, "new")
	assert.NotNil(t, rec)
	rec, _ = ks.LookupKey(ctx, "acct_1", "old")
	assert.NotNil(t, rec)
}
