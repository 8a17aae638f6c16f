// Package audit provides the append-only audit trail for repository
// operations. Every mutation and sensitive read is recorded with the
// acting principal, target document, action, and outcome. Recording is
// decoupled from the primary operation through ReliableLogger: a failed
// write is retried in the background and never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for recording audit entries
type Logger interface {
	// Record appends an audit entry
	Record(ctx context.Context, entry *Entry) error

	// Close closes the logger and flushes any buffered entries
	Close() error
}

// NewEntry builds an entry with a fresh entry ID and current timestamp
func NewEntry(actor string, action Action, documentID string) *Entry {
	return &Entry{
		EntryID:    uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		DocumentID: documentID,
		Outcome:    OutcomeSuccess,
		Details:    make(map[string]interface{}),
	}
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or nil
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return nil
}
