package credit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/ledger"
)

// Verify recomputes an account's chain under its lock. A broken chain puts
// the account on integrity hold, which blocks every further Apply until an
// operator releases it.
func (m *Manager) Verify(ctx context.Context, accountID string) (*VerifyResult, error) {
	ctx = context.WithoutCancel(ctx)
	res := &VerifyResult{AccountID: accountID, OK: true}
	err := m.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		if verr := ledger.VerifyChain(ctx, m.store, acct); verr != nil {
			res.OK = false
			res.Problem = verr.Error()
		}
		if res.OK || acct.IntegrityHold {
			res.Held = acct.IntegrityHold
			return nil
		}
		res.Held = true
		return setHold(ctx, tx, acct, res.Problem, m.now())
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		integrityViolations.Inc()
		m.notify()
		m.record(ctx, accountID, "integrity_hold", nil, res, res.Problem)
		m.logger.Error("ledger verification failed", "account_id", accountID, "problem", res.Problem)
	}
	return res, nil
}

// VerifyAll checks every account that has entries and reports how many
// failed.
func (m *Manager) VerifyAll(ctx context.Context) (checked, failed int, err error) {
	start := time.Now()
	defer func() { verifyDuration.Observe(time.Since(start).Seconds()) }()

	accounts, err := m.store.ListAccounts(ctx, "", 0)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range accounts {
		if ctx.Err() != nil {
			return checked, failed, ctx.Err()
		}
		res, err := m.Verify(ctx, a.ID)
		if err != nil {
			m.logger.Warn("verify account failed", "account_id", a.ID, "error", err)
			continue
		}
		checked++
		if !res.OK {
			failed++
		}
	}
	accountsOnHold.Set(float64(failed))
	return checked, failed, nil
}

// ReleaseHold clears an integrity hold once the chain verifies again.
func (m *Manager) ReleaseHold(ctx context.Context, accountID string) (*ledger.Account, error) {
	ctx = context.WithoutCancel(ctx)
	err := m.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		if !acct.IntegrityHold {
			return fmt.Errorf("%w: account is not on hold", ErrInvalidTransition)
		}
		if verr := ledger.VerifyChain(ctx, m.store, acct); verr != nil {
			return fmt.Errorf("%w: still inconsistent: %v", ErrIntegrityHold, verr)
		}
		acct.IntegrityHold = false
		acct.HoldReason = ""
		acct.UpdatedAt = m.now().UTC()
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		evt, err := events.New(events.TypeIntegrityHold, acct.ID, map[string]interface{}{
			"account_id": acct.ID,
			"held":       false,
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
	m.record(ctx, accountID, "release_hold", nil, nil, "")
	m.logger.Warn("integrity hold released", "account_id", accountID)
	return m.store.GetAccount(ctx, accountID)
}

func (m *Manager) placeHold(ctx context.Context, accountID, problem string) error {
	err := m.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		acct := tx.Account()
		if acct.IntegrityHold {
			return nil
		}
		return setHold(ctx, tx, acct, problem, m.now())
	})
	if err == nil {
		integrityViolations.Inc()
		m.notify()
		m.record(ctx, accountID, "integrity_hold", nil, nil, problem)
	}
	return err
}

func setHold(ctx context.Context, tx ledger.AccountTx, acct *ledger.Account, problem string, now time.Time) error {
	acct.IntegrityHold = true
	acct.HoldReason = problem
	acct.UpdatedAt = now.UTC()
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return err
	}
	evt, err := events.New(events.TypeIntegrityHold, acct.ID, map[string]interface{}{
		"account_id": acct.ID,
		"held":       true,
		"problem":    problem,
	})
	if err != nil {
		return err
	}
	return tx.Emit(ctx, evt)
}

// VerifyTimer periodically verifies every account's ledger chain.
type VerifyTimer struct {
	manager  *Manager
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewVerifyTimer creates a new integrity verification timer.
func NewVerifyTimer(manager *Manager, interval time.Duration) *VerifyTimer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &VerifyTimer{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *VerifyTimer) Running() bool {
	return t.running.Load()
}

// Start begins the verification loop. Call in a goroutine.
func (t *VerifyTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *VerifyTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *VerifyTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.manager.logger.Error("panic in verify timer", "panic", fmt.Sprint(r))
		}
	}()
	checked, failed, err := t.manager.VerifyAll(ctx)
	if err != nil {
		t.manager.logger.Warn("ledger verification run failed", "error", err)
		return
	}
	if failed > 0 {
		t.manager.logger.Error("ledger verification found broken accounts", "checked", checked, "failed", failed)
	}
}
