package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists disputes in the disputes table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, account_id, COALESCE(invoice_id, ''), COALESCE(order_id, ''), type, reason,
	disputed_amount, status, COALESCE(resolution_type, ''), resolution_amount, COALESCE(notes, ''),
	COALESCE(ledger_entry_id, ''), submitted_by, resolved_at, closed_at, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var (
		d                    Dispute
		typ, status, resType string
		resolved, closed     sql.NullTime
	)
	err := s.Scan(&d.ID, &d.AccountID, &d.InvoiceID, &d.OrderID, &typ, &d.Reason,
		&d.DisputedAmount, &status, &resType, &d.ResolutionAmount, &d.Notes,
		&d.LedgerEntryID, &d.SubmittedBy, &resolved, &closed, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Type = Type(typ)
	d.Status = Status(status)
	d.ResolutionType = ResolutionType(resType)
	if resolved.Valid {
		d.ResolvedAt = &resolved.Time
	}
	if closed.Valid {
		d.ClosedAt = &closed.Time
	}
	return &d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, account_id, invoice_id, order_id, type, reason, disputed_amount,
			status, resolution_amount, submitted_by, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, 0, $9, 0, $10, $10)
	`, d.ID, d.AccountID, d.InvoiceID, d.OrderID, string(d.Type), d.Reason, d.DisputedAmount,
		string(d.Status), d.SubmittedBy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution_type = NULLIF($2, ''), resolution_amount = $3,
			notes = NULLIF($4, ''), ledger_entry_id = NULLIF($5, ''), resolved_at = $6, closed_at = $7,
			version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10
	`, string(d.Status), string(d.ResolutionType), d.ResolutionAmount, d.Notes, d.LedgerEntryID,
		nullTime(d.ResolvedAt), nullTime(d.ClosedAt), d.UpdatedAt, d.ID, d.Version)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, d.ID); errors.Is(err, ErrDisputeNotFound) {
			return ErrDisputeNotFound
		}
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
}
