package statement

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in memory for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	statements map[string]*Statement
	byPeriod   map[string]string
}

// NewMemoryStore creates an empty in-memory statement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statements: make(map[string]*Statement),
		byPeriod:   make(map[string]string),
	}
}

func periodKey(accountID string, start, end time.Time) string {
	return accountID + "|" + start.UTC().Format(time.RFC3339) + "|" + end.UTC().Format(time.RFC3339)
}

func (m *MemoryStore) Create(_ context.Context, s *Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := periodKey(s.AccountID, s.PeriodStart, s.PeriodEnd)
	if _, ok := m.byPeriod[key]; ok {
		return ErrDuplicate
	}
	m.statements[s.ID] = clone(s)
	m.byPeriod[key] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statements[id]
	if !ok {
		return nil, ErrStatementNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) GetByPeriod(_ context.Context, accountID string, start, end time.Time) (*Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPeriod[periodKey(accountID, start, end)]
	if !ok {
		return nil, ErrStatementNotFound
	}
	return clone(m.statements[id]), nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Statement
	for _, s := range m.statements {
		if s.AccountID == accountID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(s *Statement) *Statement {
	cp := *s
	cp.TotalsByReference = maps.Clone(s.TotalsByReference)
	cp.Entries = slices.Clone(s.Entries)
	return &cp
}
