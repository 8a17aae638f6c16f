package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func entryColumns() []string {
	return []string{
		"id", "entry_id", "timestamp", "action", "outcome",
		"actor", "document_id", "organization_id",
		"request_id", "session_id", "ip_address", "user_agent",
		"message", "error_message", "details",
	}
}

func TestNewDBLogger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))

		logger, err := NewDBLogger(db)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		logger, err := NewDBLogger(nil)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnError(errors.New("table creation failed"))

		logger, err := NewDBLogger(db)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "failed to ensure audit_entries table")
	})
}

func TestDBLogger_Record(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}

		entry := NewEntry("user:alice", ActionCreate, "doc-123")
		entry.OrganizationID = "org-1"
		entry.Details["filename"] = "report.pdf"

		mock.ExpectQuery("INSERT INTO audit_entries").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		err := logger.Record(context.Background(), entry)
		require.NoError(t, err)
		assert.Equal(t, int64(42), entry.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid action", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		entry := NewEntry("user:alice", Action("rename"), "doc-123")

		err := logger.Record(context.Background(), entry)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid audit action")
	})

	t.Run("missing actor", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		entry := NewEntry("", ActionRead, "doc-123")

		err := logger.Record(context.Background(), entry)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "actor is required")
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		entry := NewEntry("user:alice", ActionDelete, "doc-123")

		mock.ExpectQuery("INSERT INTO audit_entries").WillReturnError(errors.New("connection reset"))

		err := logger.Record(context.Background(), entry)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit entry")
	})
}

func TestDBLogger_History(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	logger := &DBLogger{db: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows(entryColumns()).
		AddRow(int64(1), "e-1", now.Add(-time.Hour), "create", "success",
			"user:alice", "doc-123", "org-1", "req-1", "sess-1", "10.0.0.5", "curl/8.0", "uploaded", "", []byte(`{"filename":"a.pdf"}`)).
		AddRow(int64(2), "e-2", now, "share", "success",
			"user:alice", "doc-123", "org-1", "req-2", "sess-1", "10.0.0.5", "curl/8.0", "granted read to bob", "", nil)

	mock.ExpectQuery("SELECT (.+) FROM audit_entries WHERE document_id").
		WithArgs("doc-123").
		WillReturnRows(rows)

	entries, err := logger.History(context.Background(), "doc-123")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Chronological order, oldest first
	assert.Equal(t, ActionCreate, entries[0].Action)
	assert.Equal(t, ActionShare, entries[1].Action)
	assert.Equal(t, "a.pdf", entries[0].Details["filename"])
	assert.Nil(t, entries[1].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_Search(t *testing.T) {
	t.Run("filters applied", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		start := time.Now().Add(-24 * time.Hour)
		outcome := OutcomeDenied

		mock.ExpectQuery("SELECT (.+) FROM audit_entries WHERE 1=1 AND timestamp >= (.+) AND actor = (.+) AND outcome = (.+) ORDER BY timestamp DESC LIMIT").
			WithArgs(start, "user:mallory", "denied", 50).
			WillReturnRows(sqlmock.NewRows(entryColumns()))

		entries, err := logger.Search(context.Background(), SearchFilter{
			StartTime: &start,
			Actor:     "user:mallory",
			Outcome:   &outcome,
			Limit:     50,
		})
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}

		mock.ExpectQuery("SELECT (.+) FROM audit_entries").WillReturnError(errors.New("timeout"))

		_, err := logger.Search(context.Background(), SearchFilter{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to search audit entries")
	})
}

func TestDBLogger_ApplyRetention(t *testing.T) {
	t.Run("delete without archive", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}

		mock.ExpectExec("DELETE FROM audit_entries WHERE timestamp <").
			WillReturnResult(sqlmock.NewResult(0, 17))

		deleted, err := logger.ApplyRetention(context.Background(), RetentionPolicy{
			RetentionDays:  30,
			ArchiveEnabled: false,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(17), deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("archive before delete", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		archiveDir := t.TempDir()

		rows := sqlmock.NewRows(entryColumns()).
			AddRow(int64(1), "e-1", time.Now().AddDate(0, 0, -100), "read", "success",
				"user:alice", "doc-1", "org-1", "", "", "", "", "", "", nil)

		mock.ExpectQuery("SELECT (.+) FROM audit_entries").WillReturnRows(rows)
		mock.ExpectExec("DELETE FROM audit_entries WHERE timestamp <").
			WillReturnResult(sqlmock.NewResult(0, 1))

		deleted, err := logger.ApplyRetention(context.Background(), RetentionPolicy{
			RetentionDays:  90,
			ArchiveEnabled: true,
			ArchivePath:    archiveDir,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid policy", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		_, err := logger.ApplyRetention(context.Background(), RetentionPolicy{RetentionDays: 0})
		assert.Error(t, err)
	})
}

func TestDBLogger_Stats(t *testing.T) {
	t.Run("grouped counts", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
		logger, err := NewDBLogger(db)
		require.NoError(t, err)

		rows := sqlmock.NewRows([]string{"action", "outcome", "count"}).
			AddRow("create", "success", 10).
			AddRow("read", "success", 25).
			AddRow("read", "denied", 3)
		mock.ExpectQuery("SELECT action, outcome, COUNT").WillReturnRows(rows)

		stats, err := logger.Stats(context.Background(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(38), stats.Total)
		assert.Equal(t, int64(10), stats.ByAction[ActionCreate])
		assert.Equal(t, int64(28), stats.ByAction[ActionRead])
		assert.Equal(t, int64(35), stats.ByOutcome[OutcomeSuccess])
		assert.Equal(t, int64(3), stats.ByOutcome[OutcomeDenied])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("windowed", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
		logger, err := NewDBLogger(db)
		require.NoError(t, err)

		start := time.Now().Add(-24 * time.Hour)
		end := time.Now()
		mock.ExpectQuery("SELECT action, outcome, COUNT").
			WithArgs(start, end).
			WillReturnRows(sqlmock.NewRows([]string{"action", "outcome", "count"}))

		stats, err := logger.Stats(context.Background(), &start, &end)
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
