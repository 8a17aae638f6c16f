package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger implements the audit trail in PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_entries table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_entries table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id BIGSERIAL PRIMARY KEY,
		entry_id VARCHAR(36) NOT NULL UNIQUE,
		timestamp TIMESTAMP NOT NULL,
		action VARCHAR(20) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		document_id VARCHAR(36),
		organization_id VARCHAR(36),
		request_id VARCHAR(100),
		session_id VARCHAR(100),
		ip_address VARCHAR(45),
		user_agent TEXT,
		message TEXT,
		error_message TEXT,
		details JSONB,
		created_at TIMESTAMP DEFAULT NOW()
	);

	-- Indexes for the common query patterns
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_document ON audit_entries(document_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_organization ON audit_entries(organization_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Record appends an audit entry
func (l *DBLogger) Record(ctx context.Context, entry *Entry) error {
	if !entry.Action.IsValid() {
		return fmt.Errorf("invalid audit action: %q", entry.Action)
	}
	if entry.Actor == "" {
		return fmt.Errorf("audit entry actor is required")
	}

	var detailsJSON []byte
	var err error
	if entry.Details != nil {
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_entries (
			entry_id, timestamp, action, outcome,
			actor, document_id, organization_id,
			request_id, session_id, ip_address, user_agent,
			message, error_message, details
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		entry.EntryID, entry.Timestamp, entry.Action, entry.Outcome,
		entry.Actor, entry.DocumentID, entry.OrganizationID,
		entry.RequestID, entry.SessionID, entry.IPAddress, entry.UserAgent,
		entry.Message, entry.ErrorMessage, detailsJSON,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// History returns all audit entries for a document in chronological order
func (l *DBLogger) History(ctx context.Context, documentID string) ([]*Entry, error) {
	query := `
		SELECT
			id, entry_id, timestamp, action, outcome,
			actor, document_id, organization_id,
			request_id, session_id, ip_address, user_agent,
			message, error_message, details
		FROM audit_entries
		WHERE document_id = $1
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := l.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Search searches the audit trail based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Entry, error) {
	query := `
		SELECT
			id, entry_id, timestamp, action, outcome,
			actor, document_id, organization_id,
			request_id, session_id, ip_address, user_agent,
			message, error_message, details
		FROM audit_entries
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argCount)
		args = append(args, filter.Actor)
		argCount++
	}

	if filter.DocumentID != "" {
		query += fmt.Sprintf(" AND document_id = $%d", argCount)
		args = append(args, filter.DocumentID)
		argCount++
	}

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(" AND organization_id = $%d", argCount)
		args = append(args, filter.OrganizationID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actionStrs := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actionStrs[i] = string(a)
		}
		args = append(args, pq.Array(actionStrs))
		argCount++
	}

	if filter.Outcome != nil {
		query += fmt.Sprintf(" AND outcome = $%d", argCount)
		args = append(args, string(*filter.Outcome))
		argCount++
	}

	if filter.RequestID != "" {
		query += fmt.Sprintf(" AND request_id = $%d", argCount)
		args = append(args, filter.RequestID)
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Stats summarizes trail volume by action and outcome, optionally
// bounded to a time window.
func (l *DBLogger) Stats(ctx context.Context, start, end *time.Time) (*TrailStats, error) {
	query := `
		SELECT action, outcome, COUNT(*)
		FROM audit_entries
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 1

	if start != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *start)
		argCount++
	}
	if end != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *end)
	}
	query += " GROUP BY action, outcome"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit stats: %w", err)
	}
	defer rows.Close()

	stats := &TrailStats{
		ByAction:  make(map[Action]int64),
		ByOutcome: make(map[Outcome]int64),
	}
	for rows.Next() {
		var action Action
		var outcome Outcome
		var count int64
		if err := rows.Scan(&action, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats row: %w", err)
		}
		stats.Total += count
		stats.ByAction[action] += count
		stats.ByOutcome[outcome] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit stats: %w", err)
	}
	return stats, nil
}

// ApplyRetention deletes entries older than the policy's retention window.
// If archiving is enabled, the expired entries are exported as NDJSON to
// the archive path before deletion. Returns the number of deleted entries.
func (l *DBLogger) ApplyRetention(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)

	if policy.ArchiveEnabled {
		expired, err := l.Search(ctx, SearchFilter{EndTime: &cutoff})
		if err != nil {
			return 0, fmt.Errorf("failed to collect entries for archive: %w", err)
		}
		if len(expired) > 0 {
			if err := archiveEntries(expired, policy.ArchivePath); err != nil {
				return 0, fmt.Errorf("failed to archive expired entries: %w", err)
			}
		}
	}

	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted entries: %w", err)
	}
	return deleted, nil
}

// Close closes the database logger
func (l *DBLogger) Close() error {
	// The database connection may be shared, so it is not closed here
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}

		var documentID, organizationID, requestID, sessionID, ipAddress, userAgent, message, errorMessage sql.NullString
		var detailsJSON []byte

		err := rows.Scan(
			&entry.ID, &entry.EntryID, &entry.Timestamp, &entry.Action, &entry.Outcome,
			&entry.Actor, &documentID, &organizationID,
			&requestID, &sessionID, &ipAddress, &userAgent,
			&message, &errorMessage, &detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.DocumentID = documentID.String
		entry.OrganizationID = organizationID.String
		entry.RequestID = requestID.String
		entry.SessionID = sessionID.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entry.Message = message.String
		entry.ErrorMessage = errorMessage.String

		if len(detailsJSON) > 0 {
			entry.Details = make(map[string]interface{})
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
