// Package audit records who changed what on accounts and disputes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// Actor types.
const (
	ActorSystem  = "system"
	ActorAdmin   = "admin"
	ActorService = "service"
	ActorGateway = "gateway"
)

// Actor identifies who initiated a change.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func (a Actor) String() string {
	if a.ID == "" {
		return a.Type
	}
	return a.Type + ":" + a.ID
}

// WithActor attaches actor info to the context.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFrom returns the actor on ctx, defaulting to the system actor.
func ActorFrom(ctx context.Context) Actor {
	a := Actor{Type: ActorSystem}
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		a.Type = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		a.ID = v
	}
	return a
}

func metaFrom(ctx context.Context) (ip, requestID string) {
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single audit record.
type Entry struct {
	ID          int64     `json:"id"`
	SubjectType string    `json:"subjectType"`
	SubjectID   string    `json:"subjectId"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Logger persists audit entries.
type Logger interface {
	LogAudit(ctx context.Context, entry *Entry) error
	QueryAudit(ctx context.Context, subjectType, subjectID string, limit int) ([]*Entry, error)
}

// Record builds an entry from ctx and writes it. before and after are
// marshalled to JSON; nil is stored as "{}". Errors are returned so callers
// can decide whether to log-and-continue.
func Record(ctx context.Context, l Logger, subjectType, subjectID, operation string, before, after interface{}, description string) error {
	if l == nil {
		return nil
	}
	actor := ActorFrom(ctx)
	ip, reqID := metaFrom(ctx)
	return l.LogAudit(ctx, &Entry{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		Operation:   operation,
		BeforeState: snapshot(before),
		AfterState:  snapshot(after),
		RequestID:   reqID,
		IPAddress:   ip,
		Description: description,
	})
}

func snapshot(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// --- PostgresLogger ---

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) LogAudit(ctx context.Context, entry *Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject_type, subject_id, actor_type, actor_id, operation, before_state, after_state, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, $10, NOW())
	`, entry.SubjectType, entry.SubjectID, entry.ActorType, entry.ActorID, entry.Operation,
		entry.BeforeState, entry.AfterState, entry.RequestID, entry.IPAddress, entry.Description)
	return err
}

func (l *PostgresLogger) QueryAudit(ctx context.Context, subjectType, subjectID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
		FROM audit_log WHERE subject_type = $1 AND subject_id = $2
		ORDER BY id DESC LIMIT $3`, subjectType, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.SubjectType, &e.SubjectID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.BeforeState, &e.AfterState, &e.RequestID, &e.IPAddress, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryLogger ---

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) LogAudit(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) QueryAudit(_ context.Context, subjectType, subjectID string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Entry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.SubjectType != subjectType || e.SubjectID != subjectID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}
