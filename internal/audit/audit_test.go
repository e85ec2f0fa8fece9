package audit

import (
	"context"
	"testing"
)

func TestRecordCapturesActorAndMeta(t *testing.T) {
	ctx := WithActor(context.Background(), ActorAdmin, "ops_7")
	ctx = WithIP(ctx, "10.0.0.1")
	ctx = WithRequestID(ctx, "req-1")
	l := NewMemoryLogger()

	before := map[string]string{"status": "active"}
	after := map[string]string{"status": "suspended"}
	if err := Record(ctx, l, "account", "acct_1", "suspend", before, after, "past due"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorType != ActorAdmin || e.ActorID != "ops_7" {
		t.Errorf("unexpected actor %s/%s", e.ActorType, e.ActorID)
	}
	if e.IPAddress != "10.0.0.1" || e.RequestID != "req-1" {
		t.Errorf("unexpected meta %q %q", e.IPAddress, e.RequestID)
	}
	if e.BeforeState != `{"status":"active"}` {
		t.Errorf("unexpected before state %s", e.BeforeState)
	}
}

func TestActorDefaultsToSystem(t *testing.T) {
	a := ActorFrom(context.Background())
	if a.Type != ActorSystem {
		t.Errorf("expected system actor, got %q", a.Type)
	}
	if a.String() != "system" {
		t.Errorf("unexpected string %q", a.String())
	}
}

func TestQueryAuditFiltersBySubject(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLogger()
	_ = Record(ctx, l, "account", "a1", "open", nil, nil, "")
	_ = Record(ctx, l, "account", "a2", "open", nil, nil, "")
	_ = Record(ctx, l, "account", "a1", "approve", nil, nil, "")

	got, err := l.QueryAudit(ctx, "account", "a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Operation != "approve" {
		t.Errorf("expected newest first, got %q", got[0].Operation)
	}
}
