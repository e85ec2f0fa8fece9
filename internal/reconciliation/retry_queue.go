package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RetryEntry schedules another gateway attempt for a failed payment.
type RetryEntry struct {
	PaymentID     string    `json:"payment_id"`
	InvoiceID     string    `json:"invoice_id"`
	AccountID     string    `json:"account_id"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RetryQueue holds at most one pending retry per payment.
type RetryQueue interface {
	// Schedule inserts or replaces the payment's retry.
	Schedule(ctx context.Context, e *RetryEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error)
	Remove(ctx context.Context, paymentID string) error
}

// MemoryRetryQueue is an in-memory RetryQueue.
type MemoryRetryQueue struct {
	entries map[string]*RetryEntry
	mu      sync.Mutex
}

// NewMemoryRetryQueue creates an empty retry queue.
func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{entries: make(map[string]*RetryEntry)}
}

func (q *MemoryRetryQueue) Schedule(_ context.Context, e *RetryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *e
	q.entries[e.PaymentID] = &cp
	return nil
}

func (q *MemoryRetryQueue) Due(_ context.Context, now time.Time, limit int) ([]*RetryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*RetryEntry
	for _, e := range q.entries {
		if !e.NextAttemptAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryRetryQueue) Remove(_ context.Context, paymentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, paymentID)
	return nil
}

// Get returns the queued retry for a payment, if any.
func (q *MemoryRetryQueue) Get(paymentID string) (*RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[paymentID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// PostgresRetryQueue persists retries in the payment_retries table.
type PostgresRetryQueue struct {
	db *sql.DB
}

// NewPostgresRetryQueue creates a PostgreSQL-backed retry queue.
func NewPostgresRetryQueue(db *sql.DB) *PostgresRetryQueue {
	return &PostgresRetryQueue{db: db}
}

func (q *PostgresRetryQueue) Schedule(ctx context.Context, e *RetryEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payment_retries (payment_id, invoice_id, account_id, attempt, next_attempt_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
		ON CONFLICT (payment_id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, e.PaymentID, e.InvoiceID, e.AccountID, e.Attempt, e.NextAttemptAt, e.LastError)
	if err != nil {
		return fmt.Errorf("schedule payment retry: %w", err)
	}
	return nil
}

func (q *PostgresRetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT payment_id, invoice_id, account_id, attempt, next_attempt_at, COALESCE(last_error, ''), updated_at
		FROM payment_retries
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query payment retries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RetryEntry
	for rows.Next() {
		var e RetryEntry
		if err := rows.Scan(&e.PaymentID, &e.InvoiceID, &e.AccountID, &e.Attempt,
			&e.NextAttemptAt, &e.LastError, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (q *PostgresRetryQueue) Remove(ctx context.Context, paymentID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM payment_retries WHERE payment_id = $1`, paymentID)
	if err != nil {
		return fmt.Errorf("remove payment retry: %w", err)
	}
	return nil
}
