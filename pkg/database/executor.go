package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"
)

// Executor is satisfied by both *sql.DB and *sql.Tx, allowing a store to
// participate in a caller-owned transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// for the Postgres and SQLite drivers in use.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
