package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/idgen"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/syncutil"
	"github.com/mbd888/creditledger/internal/traces"
	"github.com/mbd888/creditledger/internal/validation"
)

// Applier writes ledger entries.
type Applier interface {
	Apply(ctx context.Context, req credit.ApplyRequest) (*ledger.Entry, bool, error)
}

// AccountReader loads credit accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
}

// Resolver drives the dispute state machine.
type Resolver struct {
	store    Store
	accounts AccountReader
	ledger   Applier
	audit    audit.Logger
	outbox   events.Outbox
	locks    syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a dispute resolver.
func NewResolver(store Store, accounts AccountReader, applier Applier, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		accounts: accounts,
		ledger:   applier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithAuditLogger records every transition.
func (r *Resolver) WithAuditLogger(l audit.Logger) *Resolver {
	r.audit = l
	return r
}

// WithOutbox publishes dispute.status_changed events.
func (r *Resolver) WithOutbox(o events.Outbox) *Resolver {
	r.outbox = o
	return r
}

// WithClock overrides the time source (for testing).
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Submit opens a dispute in the submitted state. Nothing is posted to the
// ledger until resolution.
func (r *Resolver) Submit(ctx context.Context, req SubmitRequest) (*Dispute, error) {
	if !req.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	if req.DisputedAmount <= 0 {
		return nil, fmt.Errorf("%w: disputed_amount must be positive", ErrInvalidRequest)
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	if _, err := r.accounts.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		AccountID:      req.AccountID,
		InvoiceID:      req.InvoiceID,
		OrderID:        req.OrderID,
		Type:           req.Type,
		Reason:         req.Reason,
		DisputedAmount: req.DisputedAmount,
		Status:         StatusSubmitted,
		SubmittedBy:    audit.ActorFrom(ctx).String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, err
	}
	disputeTransitions.WithLabelValues("", string(StatusSubmitted)).Inc()
	r.record(ctx, d, "submit", nil, d, req.Reason)
	r.emit(ctx, d, "")
	r.logger.Info("dispute submitted", "dispute_id", d.ID, "account_id", d.AccountID,
		"amount", d.DisputedAmount.String(), "type", d.Type)
	return d, nil
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*Dispute, error) {
	return r.store.Get(ctx, id)
}

// ListByAccount returns an account's disputes, newest first.
func (r *Resolver) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Dispute, error) {
	return r.store.ListByAccount(ctx, accountID, limit)
}

// ListByStatus returns disputes in a status, oldest first.
func (r *Resolver) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return r.store.ListByStatus(ctx, status, limit)
}

// Investigate moves a submitted or escalated dispute to investigating.
func (r *Resolver) Investigate(ctx context.Context, id, notes string) (*Dispute, error) {
	return r.transition(ctx, id, "investigate", StatusInvestigating, notes, nil)
}

// Escalate hands an investigating dispute to a higher tier.
func (r *Resolver) Escalate(ctx context.Context, id, notes string) (*Dispute, error) {
	return r.transition(ctx, id, "escalate", StatusEscalated, notes, nil)
}

// Reject closes the investigation with no ledger effect.
func (r *Resolver) Reject(ctx context.Context, id, notes string) (*Dispute, error) {
	return r.transition(ctx, id, "reject", StatusRejected, notes, func(d *Dispute, now time.Time) error {
		d.ResolvedAt = &now
		return nil
	})
}

// Close finalises a resolved or rejected dispute.
func (r *Resolver) Close(ctx context.Context, id, notes string) (*Dispute, error) {
	return r.transition(ctx, id, "close", StatusClosed, notes, func(d *Dispute, now time.Time) error {
		d.ClosedAt = &now
		return nil
	})
}

// Resolve settles an investigating dispute. Refund and credit resolutions
// post one ledger entry under dispute:<id>:resolution, so a retried Resolve
// with the same resolution returns the same entry instead of crediting
// twice.
func (r *Resolver) Resolve(ctx context.Context, id string, req ResolveRequest) (d *Dispute, entry *ledger.Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer func() { traces.Finish(span, err) }()

	ctx = context.WithoutCancel(ctx)
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)
	unlock := r.locks.Lock(id)
	defer unlock()

	d, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !CanTransition(d.Status, StatusResolved) {
		return nil, nil, fmt.Errorf("%w: cannot resolve a %s dispute", ErrInvalidTransition, d.Status)
	}
	delta, err := req.ResolutionType.LedgerAmount(d.DisputedAmount, req.ResolutionAmount)
	if err != nil {
		return nil, nil, err
	}

	if delta != 0 {
		entry, _, err = r.ledger.Apply(ctx, credit.ApplyRequest{
			AccountID:      d.AccountID,
			Delta:          delta,
			Reference:      ledger.Reference{Kind: ledger.RefDispute, ID: d.ID},
			IdempotencyKey: ResolutionKey(d.ID),
			Description:    fmt.Sprintf("Dispute %s resolution: %s", d.ID, req.ResolutionType),
		})
		if err != nil {
			return nil, nil, err
		}
	}

	before := *d
	now := r.now().UTC()
	d.Status = StatusResolved
	d.ResolutionType = req.ResolutionType
	d.ResolutionAmount = delta
	if req.Notes != "" {
		d.Notes = req.Notes
	}
	if entry != nil {
		d.LedgerEntryID = entry.ID
	}
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := r.store.Update(ctx, d); err != nil {
		// The ledger entry stands; a retry replays it under the same key.
		return nil, nil, fmt.Errorf("record dispute resolution: %w", err)
	}

	disputeTransitions.WithLabelValues(string(before.Status), string(StatusResolved)).Inc()
	resolutions.WithLabelValues(string(req.ResolutionType)).Inc()
	r.record(ctx, d, "resolve", &before, d, req.Notes)
	r.emit(ctx, d, before.Status)
	r.logger.Info("dispute resolved", "dispute_id", d.ID, "account_id", d.AccountID,
		"resolution", req.ResolutionType, "amount", delta.String())
	return d, entry, nil
}

func (r *Resolver) transition(ctx context.Context, id, op string, to Status, notes string,
	mutate func(d *Dispute, now time.Time) error) (*Dispute, error) {

	notes = validation.SanitizeString(notes, validation.MaxStringLength)
	unlock := r.locks.Lock(id)
	defer unlock()

	d, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.Status, to) {
		return nil, fmt.Errorf("%w: cannot %s a %s dispute", ErrInvalidTransition, op, d.Status)
	}
	before := *d
	now := r.now().UTC()
	if mutate != nil {
		if err := mutate(d, now); err != nil {
			return nil, err
		}
	}
	d.Status = to
	if notes != "" {
		d.Notes = notes
	}
	d.UpdatedAt = now
	if err := r.store.Update(ctx, d); err != nil {
		return nil, err
	}
	disputeTransitions.WithLabelValues(string(before.Status), string(to)).Inc()
	r.record(ctx, d, op, &before, d, notes)
	r.emit(ctx, d, before.Status)
	r.logger.Info("dispute status changed", "dispute_id", d.ID, "from", before.Status, "to", to)
	return d, nil
}

func (r *Resolver) record(ctx context.Context, d *Dispute, op string, before, after interface{}, desc string) {
	if err := audit.Record(ctx, r.audit, "dispute", d.ID, op, before, after, desc); err != nil {
		r.logger.Warn("failed to write audit entry", "dispute_id", d.ID, "operation", op, "error", err)
	}
}

func (r *Resolver) emit(ctx context.Context, d *Dispute, from Status) {
	if r.outbox == nil {
		return
	}
	evt, err := events.New(events.TypeDisputeStatusChanged, d.AccountID, map[string]interface{}{
		"dispute_id":        d.ID,
		"account_id":        d.AccountID,
		"from":              from,
		"to":                d.Status,
		"resolution_type":   d.ResolutionType,
		"resolution_amount": d.ResolutionAmount,
	})
	if err == nil {
		err = r.outbox.Append(ctx, evt)
	}
	if err != nil {
		r.logger.Warn("failed to record dispute event", "dispute_id", d.ID, "error", err)
	}
}
