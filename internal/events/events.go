// Package events carries domain events out of the ledger after commit.
//
// Writers append events to an Outbox in the same atomic unit as the state
// change that produced them. A Relay drains the outbox and hands each event
// to a Publisher (Kafka in production, the in-process Bus otherwise).
// Delivery is at-least-once; consumers deduplicate on Event.ID.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/creditledger/internal/idgen"
)

// Type names a domain event.
type Type string

const (
	TypeEntryApplied         Type = "ledger.entry_applied"
	TypeAccountStatusChanged Type = "account.status_changed"
	TypeCreditLimitChanged   Type = "account.credit_limit_changed"
	TypeIntegrityHold        Type = "account.integrity_hold"
	TypeInvoiceStatusChanged Type = "invoice.status_changed"
	TypeDisputeStatusChanged Type = "dispute.status_changed"
	TypePaymentFailedFinal   Type = "payment.failed_terminal"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Event is an immutable domain event.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// New builds an event with a fresh ID, marshalling payload as JSON.
func New(t Type, aggregateID string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          idgen.WithPrefix("evt_"),
		Type:        t,
		AggregateID: aggregateID,
		Payload:     raw,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// Publisher delivers events downstream.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// Outbox persists events until they are published.
type Outbox interface {
	Append(ctx context.Context, evt *Event) error
	Pending(ctx context.Context, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}
