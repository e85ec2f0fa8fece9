package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/syncutil"
)

// MemoryStore implements Store in memory for demo/development mode.
type MemoryStore struct {
	accounts   map[string]*Account
	byBusiness map[string]string
	entries    map[string][]*Entry // accountID -> entries by sequence
	entryByID  map[string]*Entry
	keys       map[string]map[string]*idempotency.Record // accountID -> key -> record
	outbox     events.Outbox
	locks      syncutil.KeyedMutex
	mu         sync.RWMutex

	failNext error
}

// NewMemoryStore creates an in-memory ledger store. Events emitted inside
// account units are appended to outbox on commit.
func NewMemoryStore(outbox events.Outbox) *MemoryStore {
	if outbox == nil {
		outbox = events.NewMemoryOutbox()
	}
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byBusiness: make(map[string]string),
		entries:    make(map[string][]*Entry),
		entryByID:  make(map[string]*Entry),
		keys:       make(map[string]map[string]*idempotency.Record),
		outbox:     outbox,
	}
}

// FailNextCommit makes the next WithAccount commit fail with err after fn
// has run, simulating a store outage mid-unit (for testing).
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byBusiness[a.BusinessID]; ok {
		return ErrAccountExists
	}
	if _, ok := m.accounts[a.ID]; ok {
		return ErrAccountExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byBusiness[a.BusinessID] = a.ID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccountByBusiness(ctx context.Context, businessID string) (*Account, error) {
	m.mu.RLock()
	id, ok := m.byBusiness[businessID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) ListAccounts(_ context.Context, status Status, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Account
	for _, a := range m.accounts {
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) WithAccount(ctx context.Context, accountID string, fn func(tx AccountTx) error) error {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	acct, err := m.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	tx := &memoryTx{store: m, account: acct, baseVersion: acct.Version}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

func (m *MemoryStore) commit(ctx context.Context, tx *memoryTx) error {
	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return err
	}

	id := tx.account.ID
	if tx.updated != nil {
		if m.accounts[id].Version != tx.baseVersion {
			m.mu.Unlock()
			return ErrVersionConflict
		}
		cp := *tx.updated
		m.accounts[id] = &cp
	}
	for _, e := range tx.staged {
		cp := *e
		m.entries[id] = append(m.entries[id], &cp)
		m.entryByID[cp.ID] = &cp
	}
	for _, rec := range tx.reserved {
		if m.keys[id] == nil {
			m.keys[id] = make(map[string]*idempotency.Record)
		}
		cp := *rec
		m.keys[id][rec.Key] = &cp
	}
	m.mu.Unlock()

	// The account lock is still held, so outbox order matches commit order.
	for _, evt := range tx.events {
		if err := m.outbox.Append(ctx, evt); err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
	}
	return nil
}

func (m *MemoryStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entryByID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, accountID string, q EntryQuery) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	var out []*Entry
	for _, e := range m.entries[accountID] {
		if e.Sequence <= q.AfterSeq {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LastEntryBefore(_ context.Context, accountID string, t time.Time) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.entries[accountID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].CreatedAt.Before(t) {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

// OverwriteBalance sets an account's stored balance without writing an
// entry, simulating out-of-band tampering (for testing).
func (m *MemoryStore) OverwriteBalance(accountID string, balance money.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		a.CurrentBalance = balance
	}
}

type memoryTx struct {
	store       *MemoryStore
	account     *Account
	baseVersion int64
	updated     *Account
	staged      []*Entry
	reserved    []*idempotency.Record
	events      []*events.Event
}

func (t *memoryTx) Account() *Account {
	cp := *t.account
	return &cp
}

func (t *memoryTx) LastEntry(_ context.Context) (*Entry, error) {
	if n := len(t.staged); n > 0 {
		cp := *t.staged[n-1]
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	list := t.store.entries[t.account.ID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (t *memoryTx) GetEntry(ctx context.Context, id string) (*Entry, error) {
	for _, e := range t.staged {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return t.store.GetEntry(ctx, id)
}

func (t *memoryTx) LookupKey(_ context.Context, scope, key string) (*idempotency.Record, error) {
	if scope != t.account.ID {
		return nil, fmt.Errorf("key scope %q outside locked account %s", scope, t.account.ID)
	}
	for _, rec := range t.reserved {
		if rec.Key == key {
			cp := *rec
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.keys[t.account.ID][key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (t *memoryTx) ReserveKey(ctx context.Context, rec *idempotency.Record) error {
	existing, err := t.LookupKey(ctx, rec.Scope, rec.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		return idempotency.ErrKeyExists
	}
	cp := *rec
	t.reserved = append(t.reserved, &cp)
	return nil
}

func (t *memoryTx) AppendEntry(_ context.Context, e *Entry) error {
	if e.AccountID != t.account.ID {
		return fmt.Errorf("entry for %s appended under lock of %s", e.AccountID, t.account.ID)
	}
	cp := *e
	t.staged = append(t.staged, &cp)
	return nil
}

func (t *memoryTx) UpdateAccount(_ context.Context, a *Account) error {
	if a.ID != t.account.ID {
		return fmt.Errorf("update of %s under lock of %s", a.ID, t.account.ID)
	}
	if a.Version != t.account.Version {
		return ErrVersionConflict
	}
	cp := *a
	cp.Version++
	t.updated = &cp
	t.account = &cp
	return nil
}

func (t *memoryTx) Emit(_ context.Context, evt *events.Event) error {
	t.events = append(t.events, evt)
	return nil
}
