package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for demo/development mode.
type MemoryStore struct {
	invoices map[string]*Invoice
	byNumber map[string]string
	payments map[string]*PaymentTransaction
	byGwRef  map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
		byNumber: make(map[string]string),
		payments: make(map[string]*PaymentTransaction),
		byGwRef:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byNumber[inv.Number]; ok {
		return ErrDuplicateInvoice
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.byNumber[inv.Number] = inv.ID
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return m.GetInvoice(ctx, id)
}

func (m *MemoryStore) updateInvoiceLocked(inv *Invoice) error {
	cur, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cur.Version != inv.Version {
		return ErrVersionConflict
	}
	inv.Version++
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInvoiceLocked(inv)
}

func (m *MemoryStore) filterInvoices(keep func(*Invoice) bool) []*Invoice {
	var out []*Invoice
	for _, inv := range m.invoices {
		if keep(inv) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out
}

func (m *MemoryStore) ListInvoices(_ context.Context, accountID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterInvoices(func(inv *Invoice) bool { return inv.AccountID == accountID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpenInvoices(_ context.Context, accountID string) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterInvoices(func(inv *Invoice) bool {
		return inv.AccountID == accountID && inv.Status.Open() && inv.BalanceDue > 0
	}), nil
}

func (m *MemoryStore) ListInvoicesPaidSince(_ context.Context, accountID string, since time.Time) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterInvoices(func(inv *Invoice) bool {
		return inv.AccountID == accountID && inv.PaidAt != nil && !inv.PaidAt.Before(since)
	}), nil
}

func (m *MemoryStore) ListOverdueCandidates(_ context.Context, dueBefore time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterInvoices(func(inv *Invoice) bool {
		return inv.Status.Open() && inv.BalanceDue > 0 && inv.DueDate.Before(dueBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.GatewayReference != "" {
		if _, ok := m.byGwRef[p.GatewayReference]; ok {
			return ErrDuplicatePayment
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	if p.GatewayReference != "" {
		m.byGwRef[p.GatewayReference] = p.ID
	}
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByGatewayRef(ctx context.Context, ref string) (*PaymentTransaction, error) {
	m.mu.RLock()
	id, ok := m.byGwRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return m.GetPayment(ctx, id)
}

func (m *MemoryStore) updatePaymentLocked(p *PaymentTransaction) error {
	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p *PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePaymentLocked(p)
}

func (m *MemoryStore) ListPaymentsByInvoice(_ context.Context, invoiceID string) ([]*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentTransaction
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExhaustedPayments(_ context.Context, limit int) ([]*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentTransaction
	for _, p := range m.payments {
		if p.Exhausted {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Settle(_ context.Context, p *PaymentTransaction, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersions(p, inv); err != nil {
		return err
	}
	_ = m.updatePaymentLocked(p)
	_ = m.updateInvoiceLocked(inv)
	return nil
}

func (m *MemoryStore) SettleReversal(_ context.Context, reversal, original *PaymentTransaction, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reversal.GatewayReference != "" {
		if _, ok := m.byGwRef[reversal.GatewayReference]; ok {
			return ErrDuplicatePayment
		}
	}
	if err := m.checkVersions(original, inv); err != nil {
		return err
	}
	cp := *reversal
	m.payments[reversal.ID] = &cp
	if reversal.GatewayReference != "" {
		m.byGwRef[reversal.GatewayReference] = reversal.ID
	}
	_ = m.updatePaymentLocked(original)
	_ = m.updateInvoiceLocked(inv)
	return nil
}

func (m *MemoryStore) checkVersions(p *PaymentTransaction, inv *Invoice) error {
	cp, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	ci, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cp.Version != p.Version || ci.Version != inv.Version {
		return ErrVersionConflict
	}
	return nil
}
