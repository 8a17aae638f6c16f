package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuvault/docuvault/pkg/database"
)

// claimMaxAttempts bounds the claim retry loop when concurrent workers
// race for the same head-of-queue job.
const claimMaxAttempts = 3

const jobColumns = `
	id, document_id, job_type, status, priority, config,
	retry_count, max_retries, next_retry_at, result, error_message,
	webhook_url, webhook_secret, webhook_headers,
	claimed_by, claimed_at, lease_expires_at,
	created_at, updated_at, completed_at`

// Store owns processing job persistence and the atomic claim primitive
type Store struct {
	db database.Executor
}

// NewStore creates a job store
func NewStore(db database.Executor) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction so a job can be
// enqueued atomically with the document mutation that triggers it.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Create inserts a new job in the pending state
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = StatePending
	}
	if job.Status != StatePending {
		return fmt.Errorf("%w: jobs must start in the pending state", ErrValidation)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	configJSON, err := marshalJSONMap(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}
	headersJSON, err := marshalJSONMap(job.WebhookHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (
			id, document_id, job_type, status, priority, config,
			retry_count, max_retries, webhook_url, webhook_secret,
			webhook_headers, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		job.ID, job.DocumentID, job.JobType, job.Status, job.Priority, configJSON,
		job.RetryCount, job.MaxRetries, nullableString(job.WebhookURL), nullableString(job.WebhookSecret),
		headersJSON, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get returns a job by id
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+jobColumns+" FROM processing_jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListForDocument returns all jobs for a document, newest first
func (s *Store) ListForDocument(ctx context.Context, documentID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+jobColumns+" FROM processing_jobs WHERE document_id = $1 ORDER BY created_at DESC", documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// Claim atomically takes ownership of the highest-priority, oldest
// eligible pending job whose type is in the given set, transitioning it
// to running with a lease. Returns (nil, nil) when nothing is eligible.
//
// Selection and transition happen in a single UPDATE with a status
// recheck, so two workers can never both claim the same row; a caller
// that loses the race observes zero affected rows and retries.
func (s *Store) Claim(ctx context.Context, workerID string, types []JobType, lease time.Duration) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(types))
	args := make([]interface{}, 0, len(types)+3)
	now := time.Now().UTC()
	args = append(args, workerID, now, now.Add(lease))
	for i, t := range types {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, t)
	}

	query := `
		UPDATE processing_jobs
		SET status = 'running', claimed_by = $1, claimed_at = $2,
		    lease_expires_at = $3, updated_at = $2
		WHERE id = (
			SELECT id FROM processing_jobs
			WHERE status = 'pending' AND job_type IN (` + strings.Join(placeholders, ", ") + `)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING` + jobColumns

	for attempt := 0; attempt < claimMaxAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, query, args...)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			// Either no eligible job, or the head of the queue was
			// claimed between the subselect and the recheck.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		return job, nil
	}
	return nil, nil
}

// Complete transitions a running job to completed and stores its result
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'completed', result = $1, error_message = NULL,
		    completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'running'
	`, nullableBytes(result), now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.checkTransition(ctx, res, id, "complete")
}

// MarkRetrying records a failure that stays under the retry cap. The job
// becomes eligible again when nextRetryAt elapses.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'retrying', retry_count = $1, next_retry_at = $2,
		    error_message = $3, claimed_by = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, updated_at = $4
		WHERE id = $5 AND status = 'running'
	`, retryCount, nextRetryAt, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job retrying: %w", err)
	}
	return s.checkTransition(ctx, res, id, "retry")
}

// MarkFailed transitions a running job to the terminal failed state
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'failed', retry_count = $1, error_message = $2,
		    next_retry_at = NULL, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'running'
	`, retryCount, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.checkTransition(ctx, res, id, "fail")
}

// Cancel transitions a job to cancelled. Only legal from pending or
// retrying; a running job must be finished or failed by its worker.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'cancelled', completed_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'retrying')
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.checkTransition(ctx, res, id, "cancel")
}

// Requeue resets a failed job to pending with a cleared retry counter,
// for manual re-enqueue past the cap.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'pending', retry_count = 0, next_retry_at = NULL,
		    error_message = NULL, completed_at = NULL, updated_at = $1
		WHERE id = $2 AND status = 'failed'
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return s.checkTransition(ctx, res, id, "requeue")
}

// PromoteDue moves retrying jobs whose backoff delay has elapsed back to
// pending so claims can pick them up. Returns the number promoted.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'pending', next_retry_at = NULL, updated_at = $1
		WHERE status = 'retrying' AND next_retry_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to promote due jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns running jobs whose claim lease expired to the
// pending state. A worker that crashed without reporting leaves its job
// running forever otherwise.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, updated_at = $1
		WHERE status = 'running' AND lease_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountByState returns the number of jobs per state, for ops visibility
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM processing_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}
	return counts, nil
}

// checkTransition turns a zero-row update into the right error: the job
// is either absent or in a state the transition is not defined from.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id, verb string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s job in state %q", ErrInvalidTransition, verb, job.Status)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var configJSON, resultJSON, headersJSON []byte
	var errMsg, webhookURL, webhookSecret, claimedBy sql.NullString
	var nextRetryAt, claimedAt, leaseExpiresAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.DocumentID, &job.JobType, &job.Status, &job.Priority, &configJSON,
		&job.RetryCount, &job.MaxRetries, &nextRetryAt, &resultJSON, &errMsg,
		&webhookURL, &webhookSecret, &headersJSON,
		&claimedBy, &claimedAt, &leaseExpiresAt,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &job.WebhookHeaders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook headers: %w", err)
		}
	}
	job.Result = resultJSON
	job.ErrorMsg = errMsg.String
	job.WebhookURL = webhookURL.String
	job.WebhookSecret = webhookSecret.String
	job.ClaimedBy = claimedBy.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		job.LeaseExpiresAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func marshalJSONMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
