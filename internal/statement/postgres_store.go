package statement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps snapshots in the statements table. The full
// statement is stored as JSONB next to the columns used for lookup.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed statement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Statement) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal statement: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO statements (id, account_id, period_start, period_end, opening_balance,
			closing_balance, entry_count, body, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.AccountID, s.PeriodStart, s.PeriodEnd, s.OpeningBalance, s.ClosingBalance,
		s.EntryCount, body, s.GeneratedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert statement: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Statement, error) {
	return scanStatement(p.db.QueryRowContext(ctx, `SELECT body FROM statements WHERE id = $1`, id))
}

func (p *PostgresStore) GetByPeriod(ctx context.Context, accountID string, start, end time.Time) (*Statement, error) {
	return scanStatement(p.db.QueryRowContext(ctx, `
		SELECT body FROM statements
		WHERE account_id = $1 AND period_start = $2 AND period_end = $3`, accountID, start, end))
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Statement, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM statements
		WHERE account_id = $1 ORDER BY period_start DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStatement(row scanner) (*Statement, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatementNotFound
		}
		return nil, err
	}
	var s Statement
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode statement: %w", err)
	}
	return &s, nil
}
