package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists keys in the idempotency_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LookupKey(ctx context.Context, scope, key string) (*Record, error) {
	rec := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT scope, key, fingerprint, result_id, created_at
		FROM idempotency_keys WHERE scope = $1 AND key = $2
	`, scope, key).Scan(&rec.Scope, &rec.Key, &rec.Fingerprint, &rec.ResultID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query idempotency key: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) ReserveKey(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, fingerprint, result_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Scope, rec.Key, rec.Fingerprint, rec.ResultID, rec.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (p *PostgresStore) PurgeKeys(ctx context.Context, scope string, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE scope = $1 AND created_at < $2
	`, scope, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
