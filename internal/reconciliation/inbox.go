package reconciliation

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// InboxStatus is the processing state of a queued gateway event.
type InboxStatus string

const (
	InboxQueued     InboxStatus = "queued"
	InboxProcessing InboxStatus = "processing"
	InboxProcessed  InboxStatus = "processed"
	InboxDead       InboxStatus = "dead"
)

// InboxEvent is a durably queued webhook delivery.
type InboxEvent struct {
	Event         GatewayEvent    `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	Status        InboxStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LeaseUntil    *time.Time      `json:"lease_until,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// Inbox queues webhook deliveries until the worker reconciles them.
type Inbox interface {
	// Enqueue stores evt. A delivery whose event ID is already queued is
	// reported with created=false and is not an error.
	Enqueue(ctx context.Context, evt *GatewayEvent, payload []byte, at time.Time) (created bool, err error)
	// Claim leases up to limit due events: queued ones whose next attempt
	// has come, and processing ones whose lease expired.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*InboxEvent, error)
	MarkProcessed(ctx context.Context, id, outcome string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, errMsg string) error
	MarkDead(ctx context.Context, id string, attempts int, errMsg string) error
	// Requeue moves a dead event back to queued for an operator replay.
	Requeue(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (*InboxEvent, error)
	List(ctx context.Context, status InboxStatus, limit int) ([]*InboxEvent, error)
	CountByStatus(ctx context.Context) (map[InboxStatus]int, error)
}

// MemoryInbox is an in-memory Inbox for demo/development mode.
type MemoryInbox struct {
	events map[string]*InboxEvent
	mu     sync.Mutex
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{events: make(map[string]*InboxEvent)}
}

func copyInbox(e *InboxEvent) *InboxEvent {
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	return &cp
}

func (m *MemoryInbox) Enqueue(_ context.Context, evt *GatewayEvent, payload []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[evt.ID]; ok {
		return false, nil
	}
	m.events[evt.ID] = &InboxEvent{
		Event:         *evt,
		Payload:       append(json.RawMessage(nil), payload...),
		Status:        InboxQueued,
		NextAttemptAt: at,
		ReceivedAt:    at,
	}
	return true, nil
}

func (m *MemoryInbox) Claim(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*InboxEvent
	for _, e := range m.events {
		switch {
		case e.Status == InboxQueued && !e.NextAttemptAt.After(now):
			due = append(due, e)
		case e.Status == InboxProcessing && e.LeaseUntil != nil && e.LeaseUntil.Before(now):
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ReceivedAt.Equal(due[j].ReceivedAt) {
			return due[i].Event.ID < due[j].Event.ID
		}
		return due[i].ReceivedAt.Before(due[j].ReceivedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	out := make([]*InboxEvent, 0, len(due))
	for _, e := range due {
		e.Status = InboxProcessing
		e.LeaseUntil = &until
		out = append(out, copyInbox(e))
	}
	return out, nil
}

func (m *MemoryInbox) MarkProcessed(_ context.Context, id, outcome string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = InboxProcessed
	e.Outcome = outcome
	e.LeaseUntil = nil
	e.LastError = ""
	e.ProcessedAt = &at
	return nil
}

func (m *MemoryInbox) MarkRetry(_ context.Context, id string, attempts int, next time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = InboxQueued
	e.Attempts = attempts
	e.NextAttemptAt = next
	e.LeaseUntil = nil
	e.LastError = errMsg
	return nil
}

func (m *MemoryInbox) MarkDead(_ context.Context, id string, attempts int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = InboxDead
	e.Attempts = attempts
	e.LeaseUntil = nil
	e.LastError = errMsg
	return nil
}

func (m *MemoryInbox) Requeue(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != InboxDead {
		return ErrNotDead
	}
	e.Status = InboxQueued
	e.Attempts = 0
	e.NextAttemptAt = at
	return nil
}

func (m *MemoryInbox) Get(_ context.Context, id string) (*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyInbox(e), nil
}

func (m *MemoryInbox) List(_ context.Context, status InboxStatus, limit int) ([]*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InboxEvent
	for _, e := range m.events {
		if status == "" || e.Status == status {
			out = append(out, copyInbox(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryInbox) CountByStatus(_ context.Context) (map[InboxStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[InboxStatus]int)
	for _, e := range m.events {
		counts[e.Status]++
	}
	return counts, nil
}
