package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory KeyStore for demo/development mode.
type MemoryStore struct {
	keys map[string]*Record
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Record)}
}

func storeKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryStore) LookupKey(_ context.Context, scope, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[storeKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ReserveKey(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storeKey(rec.Scope, rec.Key)
	if _, ok := m.keys[k]; ok {
		return ErrKeyExists
	}
	cp := *rec
	m.keys[k] = &cp
	return nil
}

func (m *MemoryStore) PurgeKeys(_ context.Context, scope string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.keys {
		if rec.Scope == scope && rec.CreatedAt.Before(before) {
			delete(m.keys, k)
			n++
		}
	}
	return n, nil
}
