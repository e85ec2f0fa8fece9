package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Compile-time check that PostgresOutbox implements Outbox.
var _ Outbox = (*PostgresOutbox)(nil)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresOutbox reads and writes the outbox_events table.
type PostgresOutbox struct {
	db *sql.DB
}

// NewPostgresOutbox creates a PostgreSQL-backed outbox.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

// AppendTx inserts evt using the given executor, so callers can write the
// event inside their own transaction.
func AppendTx(ctx context.Context, ex Execer, evt *Event) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO outbox_events (id, type, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4::JSONB, $5)
	`, evt.ID, string(evt.Type), evt.AggregateID, string(evt.Payload), evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (p *PostgresOutbox) Append(ctx context.Context, evt *Event) error {
	return AppendTx(ctx, p.db, evt)
}

func (p *PostgresOutbox) Pending(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, aggregate_id, payload::TEXT, occurred_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload string
		)
		if err := rows.Scan(&e.ID, &typ, &e.AggregateID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresOutbox) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET published_at = NOW()
		WHERE id = ANY($1) AND published_at IS NULL
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}
