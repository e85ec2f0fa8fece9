package events

import (
	"context"
	"sync"
	"time"
)

// MemoryOutbox is an in-memory outbox for demo/development mode.
type MemoryOutbox struct {
	pending   []*Event
	published map[string]time.Time
	mu        sync.Mutex
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{published: make(map[string]time.Time)}
}

func (m *MemoryOutbox) Append(_ context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *evt
	m.pending = append(m.pending, &cp)
	return nil
}

func (m *MemoryOutbox) Pending(_ context.Context, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.pending) {
		limit = len(m.pending)
	}
	out := make([]*Event, limit)
	copy(out, m.pending[:limit])
	return out, nil
}

func (m *MemoryOutbox) MarkPublished(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[string]bool, len(ids))
	now := time.Now()
	for _, id := range ids {
		done[id] = true
		m.published[id] = now
	}
	kept := m.pending[:0]
	for _, e := range m.pending {
		if !done[e.ID] {
			kept = append(kept, e)
		}
	}
	m.pending = kept
	return nil
}

// Len returns the number of unpublished events.
func (m *MemoryOutbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
