package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresInbox implements Inbox.
var _ Inbox = (*PostgresInbox)(nil)

// PostgresInbox persists gateway deliveries in the gateway_events table.
type PostgresInbox struct {
	db *sql.DB
}

// NewPostgresInbox creates a PostgreSQL-backed inbox.
func NewPostgresInbox(db *sql.DB) *PostgresInbox {
	return &PostgresInbox{db: db}
}

const inboxColumns = `id, type, amount, currency, invoice_reference, payment_reference,
	COALESCE(failure_reason, ''), payload::TEXT, status, attempts, next_attempt_at, lease_until,
	COALESCE(last_error, ''), COALESCE(outcome, ''), received_at, processed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInbox(s scanner) (*InboxEvent, error) {
	var (
		e           InboxEvent
		typ, status string
		payload     string
		lease, done sql.NullTime
	)
	err := s.Scan(&e.Event.ID, &typ, &e.Event.Amount, &e.Event.Currency, &e.Event.InvoiceReference,
		&e.Event.PaymentReference, &e.Event.FailureReason, &payload, &status, &e.Attempts,
		&e.NextAttemptAt, &lease, &e.LastError, &e.Outcome, &e.ReceivedAt, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Event.Type = EventType(typ)
	e.Status = InboxStatus(status)
	e.Payload = []byte(payload)
	if lease.Valid {
		e.LeaseUntil = &lease.Time
	}
	if done.Valid {
		e.ProcessedAt = &done.Time
	}
	return &e, nil
}

func (p *PostgresInbox) Enqueue(ctx context.Context, evt *GatewayEvent, payload []byte, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_events (id, type, amount, currency, invoice_reference, payment_reference,
			failure_reason, payload, status, attempts, next_attempt_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8::JSONB, 'queued', 0, $9, $9)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, string(evt.Type), evt.Amount, evt.Currency, evt.InvoiceReference, evt.PaymentReference,
		evt.FailureReason, string(payload), at)
	if err != nil {
		return false, fmt.Errorf("enqueue gateway event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Claim uses SKIP LOCKED so several workers can drain the inbox without
// handing the same event to two of them.
func (p *PostgresInbox) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*InboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		UPDATE gateway_events SET status = 'processing', lease_until = $2
		WHERE id IN (
			SELECT id FROM gateway_events
			WHERE (status = 'queued' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND lease_until < $1)
			ORDER BY received_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+inboxColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim gateway events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectInbox(rows)
}

func collectInbox(rows *sql.Rows) ([]*InboxEvent, error) {
	var out []*InboxEvent
	for rows.Next() {
		e, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresInbox) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update gateway event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresInbox) MarkProcessed(ctx context.Context, id, outcome string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE gateway_events SET status = 'processed', outcome = $2, processed_at = $3,
			lease_until = NULL, last_error = NULL
		WHERE id = $1`, id, outcome, at)
}

func (p *PostgresInbox) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, errMsg string) error {
	return p.exec(ctx, `
		UPDATE gateway_events SET status = 'queued', attempts = $2, next_attempt_at = $3,
			lease_until = NULL, last_error = $4
		WHERE id = $1`, id, attempts, next, errMsg)
}

func (p *PostgresInbox) MarkDead(ctx context.Context, id string, attempts int, errMsg string) error {
	return p.exec(ctx, `
		UPDATE gateway_events SET status = 'dead', attempts = $2, lease_until = NULL, last_error = $3
		WHERE id = $1`, id, attempts, errMsg)
}

func (p *PostgresInbox) Requeue(ctx context.Context, id string, at time.Time) error {
	err := p.exec(ctx, `
		UPDATE gateway_events SET status = 'queued', attempts = 0, next_attempt_at = $2
		WHERE id = $1 AND status = 'dead'`, id, at)
	if errors.Is(err, ErrEventNotFound) {
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return ErrNotDead
		}
	}
	return err
}

func (p *PostgresInbox) Get(ctx context.Context, id string) (*InboxEvent, error) {
	return scanInbox(p.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM gateway_events WHERE id = $1`, id))
}

func (p *PostgresInbox) List(ctx context.Context, status InboxStatus, limit int) ([]*InboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+inboxColumns+` FROM gateway_events
		WHERE $1 = '' OR status = $1
		ORDER BY received_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list gateway events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectInbox(rows)
}

func (p *PostgresInbox) CountByStatus(ctx context.Context) (map[InboxStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM gateway_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count gateway events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[InboxStatus]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[InboxStatus(s)] = n
	}
	return counts, rows.Err()
}
