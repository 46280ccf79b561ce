// Package audit records a tamper-evident trail of sensitive connector
// operations: ledger postings, settlement, key rotation, and
// administrative actions. Entries carry a redacted snapshot of any
// structured detail so secrets never reach persisted storage.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
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

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a correlation ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single audit log record.
type Entry struct {
	ID          int64     `json:"id"`
	PeerID      string    `json:"peerId,omitempty"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	Detail      string    `json:"detail,omitempty"` // redacted JSON snapshot
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Logger persists audit entries and supports the narrow RecordKeyEvent
// contract the keys package depends on.
type Logger interface {
	LogAudit(ctx context.Context, entry *Entry) error
	QueryAudit(ctx context.Context, peerID string, from, to time.Time, operation string, limit int) ([]*Entry, error)
	// RecordKeyEvent redacts detail and writes it as an audit entry
	// under operation "key."+action.
	RecordKeyEvent(ctx context.Context, action, keyID string, detail map[string]any)
}

// redactedFieldPrefixes names the (case-insensitive) key-name prefixes
// that are scrubbed from any detail map before it is persisted.
var redactedFieldPrefixes = []string{
	"privatekey", "mnemonic", "seed", "encryptionkey", "secret", "signer.",
}

func isRedactedField(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range redactedFieldPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Redact returns a copy of detail with sensitive fields replaced by a
// fixed marker. Keys are matched case-insensitively against
// redactedFieldPrefixes.
func Redact(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if isRedactedField(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func detailSnapshot(detail map[string]any) string {
	if len(detail) == 0 {
		return "{}"
	}
	b, err := json.Marshal(Redact(detail))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// recordKeyEvent is the shared implementation of RecordKeyEvent used by
// both logger backends: build a redacted Entry and log it, swallowing
// the error since key-event auditing is best-effort and must never block
// a signing operation.
func recordKeyEvent(ctx context.Context, l Logger, action, keyID string, detail map[string]any) {
	actorType, actorID, ip, requestID := actorFromCtx(ctx)
	_ = l.LogAudit(ctx, &Entry{
		PeerID:      keyID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   "key." + action,
		Detail:      detailSnapshot(detail),
		RequestID:   requestID,
		IPAddress:   ip,
		Description: "key lifecycle event",
	})
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
		INSERT INTO audit_log (peer_id, actor_type, actor_id, operation, detail, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7, $8, NOW())
	`, entry.PeerID, entry.ActorType, entry.ActorID, entry.Operation, entry.Detail,
		entry.RequestID, entry.IPAddress, entry.Description)
	return err
}

func (l *PostgresLogger) QueryAudit(ctx context.Context, peerID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var query string
	var args []interface{}

	if operation != "" {
		query = `SELECT id, peer_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(detail::TEXT, '{}'), COALESCE(request_id, ''), COALESCE(ip_address, ''),
			COALESCE(description, ''), created_at
			FROM audit_log WHERE peer_id = $1 AND created_at >= $2 AND created_at <= $3 AND operation = $4
			ORDER BY created_at DESC LIMIT $5`
		args = []interface{}{peerID, from, to, operation, limit}
	} else {
		query = `SELECT id, peer_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(detail::TEXT, '{}'), COALESCE(request_id, ''), COALESCE(ip_address, ''),
			COALESCE(description, ''), created_at
			FROM audit_log WHERE peer_id = $1 AND created_at >= $2 AND created_at <= $3
			ORDER BY created_at DESC LIMIT $4`
		args = []interface{}{peerID, from, to, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRows(rows)
}

func (l *PostgresLogger) RecordKeyEvent(ctx context.Context, action, keyID string, detail map[string]any) {
	recordKeyEvent(ctx, l, action, keyID, detail)
}

func scanRows(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.PeerID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.Detail, &e.RequestID, &e.IPAddress, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryLogger ---

// MemoryLogger stores audit entries in memory, for tests and for
// development without a database.
type MemoryLogger struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

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

func (l *MemoryLogger) QueryAudit(_ context.Context, peerID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.PeerID != peerID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (l *MemoryLogger) RecordKeyEvent(ctx context.Context, action, keyID string, detail map[string]any) {
	recordKeyEvent(ctx, l, action, keyID, detail)
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}
