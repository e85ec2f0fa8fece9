package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/retry"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store with PostgreSQL. Account units hold a
// row lock (SELECT ... FOR UPDATE) on credit_accounts for their duration;
// entries, balance and outbox rows commit in one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, business_id, currency, credit_limit, current_balance, status,
	payment_terms_days, late_fee_bps, COALESCE(suspension_reason, ''), integrity_hold,
	COALESCE(hold_reason, ''), last_sequence, version, approved_at, last_review_at, created_at, updated_at`

const entryColumns = `id, account_id, sequence, entry_type, amount, balance_before, balance_after,
	reference_kind, reference_id, idempotency_key, COALESCE(description, ''),
	created_by_type, COALESCE(created_by_id, ''), created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	var (
		status     string
		approvedAt sql.NullTime
		reviewedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.BusinessID, &a.Currency, &a.CreditLimit, &a.CurrentBalance, &status,
		&a.PaymentTermsDays, &a.LateFeeBps, &a.SuspensionReason, &a.IntegrityHold,
		&a.HoldReason, &a.LastSequence, &a.Version, &approvedAt, &reviewedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	a.Status = Status(status)
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.LastReviewAt = &t
	}
	return a, nil
}

func scanEntry(row scanner) (*Entry, error) {
	e := &Entry{}
	var typ, kind string
	err := row.Scan(&e.ID, &e.AccountID, &e.Sequence, &typ, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&kind, &e.Reference.ID, &e.IdempotencyKey, &e.Description,
		&e.CreatedBy.Type, &e.CreatedBy.ID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	e.Type = EntryType(typ)
	e.Reference.Kind = ReferenceKind(kind)
	return e, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, business_id, currency, credit_limit, current_balance, status,
			payment_terms_days, late_fee_bps, integrity_hold, last_sequence, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, 0, $9, $10, $11)
	`, a.ID, a.BusinessID, a.Currency, a.CreditLimit, a.CurrentBalance, string(a.Status),
		a.PaymentTermsDays, a.LateFeeBps, a.Version, a.CreatedAt, a.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", classify(err))
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, id))
}

func (p *PostgresStore) GetAccountByBusiness(ctx context.Context, businessID string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE business_id = $1`, businessID))
}

func (p *PostgresStore) ListAccounts(ctx context.Context, status Status, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Lock acquisition is retried briefly on transient failures; fn itself runs
// at most once.
func (p *PostgresStore) WithAccount(ctx context.Context, accountID string, fn func(tx AccountTx) error) error {
	var (
		tx   *sql.Tx
		acct *Account
	)
	err := retry.Do(ctx, lockAttempts, lockRetryBase, func() error {
		t, a, err := p.lockAccount(ctx, accountID)
		if err != nil {
			if IsUnavailable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		tx, acct = t, a
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ptx := &postgresTx{tx: tx, account: acct, reserved: make(map[string]*idempotency.Record)}
	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", classify(err))
	}
	return nil
}

const (
	lockAttempts  = 3
	lockRetryBase = 25 * time.Millisecond
)

func (p *PostgresStore) lockAccount(ctx context.Context, accountID string) (*sql.Tx, *Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin account tx: %w", classify(err))
	}
	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrAccountNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("lock account: %w", classify(err))
	}
	return tx, acct, nil
}

func (p *PostgresStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, q EntryQuery) ([]*Entry, error) {
	if _, err := p.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10000
	}
	var from, to interface{}
	if !q.From.IsZero() {
		from = q.From
	}
	if !q.To.IsZero() {
		to = q.To
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND sequence > $2
		  AND ($3::TIMESTAMPTZ IS NULL OR created_at >= $3)
		  AND ($4::TIMESTAMPTZ IS NULL OR created_at < $4)
		ORDER BY sequence
		LIMIT $5
	`, accountID, q.AfterSeq, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastEntryBefore(ctx context.Context, accountID string, t time.Time) (*Entry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND created_at < $2
		ORDER BY sequence DESC LIMIT 1
	`, accountID, t))
}

type postgresTx struct {
	tx       *sql.Tx
	account  *Account
	reserved map[string]*idempotency.Record
}

func (t *postgresTx) Account() *Account {
	cp := *t.account
	return &cp
}

func (t *postgresTx) LastEntry(ctx context.Context) (*Entry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 ORDER BY sequence DESC LIMIT 1
	`, t.account.ID))
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func (t *postgresTx) GetEntry(ctx context.Context, id string) (*Entry, error) {
	return scanEntry(t.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

// LookupKey resolves a ledger key from the entries table; the unique index
// on (account_id, idempotency_key) is the durable reservation.
func (t *postgresTx) LookupKey(ctx context.Context, scope, key string) (*idempotency.Record, error) {
	if scope != t.account.ID {
		return nil, fmt.Errorf("key scope %q outside locked account %s", scope, t.account.ID)
	}
	if rec, ok := t.reserved[key]; ok {
		cp := *rec
		return &cp, nil
	}
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND idempotency_key = $2
	`, t.account.ID, key))
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &idempotency.Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: e.Fingerprint(),
		ResultID:    e.ID,
		CreatedAt:   e.CreatedAt,
	}, nil
}

func (t *postgresTx) ReserveKey(ctx context.Context, rec *idempotency.Record) error {
	existing, err := t.LookupKey(ctx, rec.Scope, rec.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		return idempotency.ErrKeyExists
	}
	cp := *rec
	t.reserved[rec.Key] = &cp
	return nil
}

func (t *postgresTx) AppendEntry(ctx context.Context, e *Entry) error {
	if e.AccountID != t.account.ID {
		return fmt.Errorf("entry for %s appended under lock of %s", e.AccountID, t.account.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, sequence, entry_type, amount, balance_before, balance_after,
			reference_kind, reference_id, idempotency_key, description, created_by_type, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.AccountID, e.Sequence, string(e.Type), e.Amount, e.BalanceBefore, e.BalanceAfter,
		string(e.Reference.Kind), e.Reference.ID, e.IdempotencyKey, e.Description,
		e.CreatedBy.Type, e.CreatedBy.ID, e.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return idempotency.ErrKeyExists
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", classify(err))
	}
	return nil
}

func (t *postgresTx) UpdateAccount(ctx context.Context, a *Account) error {
	var approvedAt, reviewedAt interface{}
	if a.ApprovedAt != nil {
		approvedAt = *a.ApprovedAt
	}
	if a.LastReviewAt != nil {
		reviewedAt = *a.LastReviewAt
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credit_accounts SET
			credit_limit = $1, current_balance = $2, status = $3, payment_terms_days = $4,
			late_fee_bps = $5, suspension_reason = NULLIF($6, ''), integrity_hold = $7,
			hold_reason = NULLIF($8, ''), last_sequence = $9, approved_at = $10,
			last_review_at = $11, version = version + 1, updated_at = $12
		WHERE id = $13 AND version = $14
	`, a.CreditLimit, a.CurrentBalance, string(a.Status), a.PaymentTermsDays,
		a.LateFeeBps, a.SuspensionReason, a.IntegrityHold,
		a.HoldReason, a.LastSequence, approvedAt, reviewedAt,
		a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update account: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	cp := *a
	cp.Version++
	t.account = &cp
	return nil
}

func (t *postgresTx) Emit(ctx context.Context, evt *events.Event) error {
	return events.AppendTx(ctx, t.tx, evt)
}

// classify marks connection loss, serialization failures and deadlocks as
// ErrStoreUnavailable so callers can retry with the same idempotency key.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03", pqErr.Code == "57P01":
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		case pqErr.Code.Class() == "08":
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(classify(err), ErrStoreUnavailable)
}
