package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Version != d.Version {
		return ErrVersionConflict
	}
	d.Version++
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.AccountID == accountID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
