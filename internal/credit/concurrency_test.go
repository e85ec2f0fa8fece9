package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
)

// Concurrent debits and credits against one account must leave a chain
// that verifies, never breach the limit, and apply each key exactly once.
func TestApply_ConcurrentMixedTraffic(t *testing.T) {
	f := newFixture(t)
	const limit = money.Amount(50_000)
	acct := f.activeAccount(t, limit)
	ctx := context.Background()

	const workers = 16
	const perWorker = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  = map[string]money.Amount{}
		rejected int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Every third request reuses a key from a peer worker, so
				// replays race with first attempts.
				key := fmt.Sprintf("w%d-%d", w, i)
				if i%3 == 0 {
					key = fmt.Sprintf("w%d-%d", (w+1)%workers, i)
				}
				kind := ledger.RefOrder
				if i%4 == 0 {
					kind = ledger.RefPayment
				}
				delta := stableDelta(key, kind == ledger.RefOrder)
				e, replayed, err := f.mgr.Apply(ctx, ApplyRequest{
					AccountID:      acct.ID,
					Delta:          delta,
					Reference:      ledger.Reference{Kind: kind, ID: key},
					IdempotencyKey: key,
				})
				mu.Lock()
				switch {
				case err == nil && !replayed:
					applied[key] = e.Signed()
				case err != nil:
					rejected++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	t.Logf("applied %d, rejected %d", len(applied), rejected)

	final, err := f.mgr.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.VerifyChain(ctx, f.store, final))

	var sum money.Amount
	for _, d := range applied {
		sum += d
	}
	assert.Equal(t, sum, final.CurrentBalance)
	assert.GreaterOrEqual(t, int64(final.CurrentBalance), int64(-limit))

	entries, err := f.store.ListEntries(ctx, acct.ID, ledger.EntryQuery{})
	require.NoError(t, err)
	assert.Len(t, entries, len(applied), "one entry per distinct applied key")
	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.IdempotencyKey], "duplicate key %s", e.IdempotencyKey)
		seen[e.IdempotencyKey] = true
		assert.GreaterOrEqual(t, int64(e.BalanceAfter), int64(-limit))
	}
}

// stableDelta maps a key to a fixed amount so every request for the key
// has the same fingerprint regardless of which worker sends it.
func stableDelta(key string, debit bool) money.Amount {
	var h money.Amount
	for _, c := range key {
		h = (h*31 + money.Amount(c)) % 2999
	}
	h++
	if debit {
		return -h
	}
	return h
}
