package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, account_id, number, COALESCE(order_id, ''), currency, subtotal, tax, total,
	paid_amount, balance_due, status, issue_date, due_date, paid_at, late_fee_periods, late_fee_total,
	version, created_at, updated_at`

const paymentColumns = `id, account_id, invoice_id, type, amount, currency, status,
	COALESCE(gateway_reference, ''), COALESCE(original_payment_id, ''), refunded_amount, retry_count,
	exhausted, COALESCE(failure_reason, ''), COALESCE(ledger_entry_id, ''), version, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		status string
		paidAt sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.AccountID, &inv.Number, &inv.OrderID, &inv.Currency, &inv.Subtotal,
		&inv.Tax, &inv.Total, &inv.PaidAmount, &inv.BalanceDue, &status, &inv.IssueDate, &inv.DueDate,
		&paidAt, &inv.LateFeePeriods, &inv.LateFeeTotal, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return inv, nil
}

func scanPayment(row scanner) (*PaymentTransaction, error) {
	p := &PaymentTransaction{}
	var typ, status string
	err := row.Scan(&p.ID, &p.AccountID, &p.InvoiceID, &typ, &p.Amount, &p.Currency, &status,
		&p.GatewayReference, &p.OriginalPaymentID, &p.RefundedAmount, &p.RetryCount,
		&p.Exhausted, &p.FailureReason, &p.LedgerEntryID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Type = PaymentType(typ)
	p.Status = PaymentStatus(status)
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, account_id, number, order_id, currency, subtotal, tax, total,
			paid_amount, balance_due, status, issue_date, due_date, late_fee_periods, late_fee_total,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, inv.ID, inv.AccountID, inv.Number, inv.OrderID, inv.Currency, inv.Subtotal, inv.Tax, inv.Total,
		inv.PaidAmount, inv.BalanceDue, string(inv.Status), inv.IssueDate, inv.DueDate,
		inv.LateFeePeriods, inv.LateFeeTotal, inv.Version, inv.CreatedAt, inv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateInvoice
	}
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

func (p *PostgresStore) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`, number))
}

func updateInvoice(ctx context.Context, ex execer, inv *Invoice) error {
	var paidAt interface{}
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE invoices SET paid_amount = $1, balance_due = $2, status = $3, paid_at = $4,
			late_fee_periods = $5, late_fee_total = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9
	`, inv.PaidAmount, inv.BalanceDue, string(inv.Status), paidAt,
		inv.LateFeePeriods, inv.LateFeeTotal, inv.UpdatedAt, inv.ID, inv.Version)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	inv.Version++
	return nil
}

func (p *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	return updateInvoice(ctx, p.db, inv)
}

func (p *PostgresStore) queryInvoices(ctx context.Context, query string, args ...interface{}) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListInvoices(ctx context.Context, accountID string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE account_id = $1 ORDER BY due_date, id LIMIT $2`, accountID, limit)
}

func (p *PostgresStore) ListOpenInvoices(ctx context.Context, accountID string) ([]*Invoice, error) {
	return p.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE account_id = $1 AND status IN ('pending', 'sent', 'partial', 'overdue') AND balance_due > 0
		ORDER BY due_date, id`, accountID)
}

func (p *PostgresStore) ListInvoicesPaidSince(ctx context.Context, accountID string, since time.Time) ([]*Invoice, error) {
	return p.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE account_id = $1 AND paid_at >= $2
		ORDER BY due_date, id`, accountID, since)
}

func (p *PostgresStore) ListOverdueCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 500
	}
	return p.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status IN ('pending', 'sent', 'partial', 'overdue') AND balance_due > 0 AND due_date < $1
		ORDER BY due_date, id LIMIT $2`, dueBefore, limit)
}

func insertPayment(ctx context.Context, ex execer, pt *PaymentTransaction) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, account_id, invoice_id, type, amount, currency, status,
			gateway_reference, original_payment_id, refunded_amount, retry_count, exhausted,
			failure_reason, ledger_entry_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12,
			NULLIF($13, ''), NULLIF($14, ''), $15, $16, $17)
	`, pt.ID, pt.AccountID, pt.InvoiceID, string(pt.Type), pt.Amount, pt.Currency, string(pt.Status),
		pt.GatewayReference, pt.OriginalPaymentID, pt.RefundedAmount, pt.RetryCount, pt.Exhausted,
		pt.FailureReason, pt.LedgerEntryID, pt.Version, pt.CreatedAt, pt.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pt *PaymentTransaction) error {
	return insertPayment(ctx, p.db, pt)
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*PaymentTransaction, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (p *PostgresStore) GetPaymentByGatewayRef(ctx context.Context, ref string) (*PaymentTransaction, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE gateway_reference = $1`, ref))
}

func updatePayment(ctx context.Context, ex execer, pt *PaymentTransaction) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE payment_transactions SET status = $1, refunded_amount = $2, retry_count = $3,
			exhausted = $4, failure_reason = NULLIF($5, ''), ledger_entry_id = NULLIF($6, ''),
			version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9
	`, string(pt.Status), pt.RefundedAmount, pt.RetryCount, pt.Exhausted, pt.FailureReason,
		pt.LedgerEntryID, pt.UpdatedAt, pt.ID, pt.Version)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	pt.Version++
	return nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pt *PaymentTransaction) error {
	return updatePayment(ctx, p.db, pt)
}

func (p *PostgresStore) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]*PaymentTransaction, error) {
	return p.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payment_transactions
		WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
}

func (p *PostgresStore) ListExhaustedPayments(ctx context.Context, limit int) ([]*PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payment_transactions
		WHERE exhausted ORDER BY updated_at DESC LIMIT $1`, limit)
}

func (p *PostgresStore) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*PaymentTransaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentTransaction
	for rows.Next() {
		pt, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Settle(ctx context.Context, pt *PaymentTransaction, inv *Invoice) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updatePayment(ctx, tx, pt); err != nil {
		return err
	}
	if err := updateInvoice(ctx, tx, inv); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SettleReversal(ctx context.Context, reversal, original *PaymentTransaction, inv *Invoice) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle reversal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertPayment(ctx, tx, reversal); err != nil {
		return err
	}
	if err := updatePayment(ctx, tx, original); err != nil {
		return err
	}
	if err := updateInvoice(ctx, tx, inv); err != nil {
		return err
	}
	return tx.Commit()
}
