package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docuvault/docuvault/pkg/async"
	"github.com/docuvault/docuvault/pkg/observability"
)

// Notifier delivers job lifecycle events to external targets. Delivery
// is fire-and-forget with its own retry policy, independent of the
// job's retry budget.
type Notifier interface {
	NotifyJobEvent(ctx context.Context, job *Job) error
}

// Options configures a Scheduler
type Options struct {
	LeaseDuration time.Duration
	RetryPolicy   RetryPolicy
	Notifier      Notifier
	Metrics       *observability.Metrics
	Logger        *logrus.Logger
}

// Scheduler owns the processing job state machine
type Scheduler struct {
	store    *Store
	lease    time.Duration
	policy   RetryPolicy
	notifier Notifier
	metrics  *observability.Metrics
	log      *logrus.Logger
}

// New creates a scheduler over the given store
func New(store *Store, opts Options) *Scheduler {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Scheduler{
		store:    store,
		lease:    opts.LeaseDuration,
		policy:   opts.RetryPolicy.normalized(),
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Store exposes the underlying job store so callers can bind it into a
// wider transaction via WithTx.
func (s *Scheduler) Store() *Store {
	return s.store
}

// Enqueue creates a job in the pending state
func (s *Scheduler) Enqueue(ctx context.Context, job *Job) error {
	if err := s.store.Create(ctx, job); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsEnqueuedTotal.WithLabelValues(string(job.JobType)).Inc()
	}
	return nil
}

// EnqueueTx creates a job inside the caller's transaction, so document
// mutations and their pipeline jobs commit or roll back together.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	if err := s.store.WithTx(tx).Create(ctx, job); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsEnqueuedTotal.WithLabelValues(string(job.JobType)).Inc()
	}
	return nil
}

// ClaimNext atomically claims the next eligible job for a worker that
// can handle the given types. Retrying jobs whose backoff has elapsed
// are promoted first. Returns (nil, nil) when nothing is eligible.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string, capabilities []JobType) (*Job, error) {
	start := time.Now()

	if _, err := s.store.PromoteDue(ctx, time.Now()); err != nil {
		return nil, err
	}

	job, err := s.store.Claim(ctx, workerID, capabilities, s.lease)
	if err != nil {
		return nil, err
	}
	if job != nil && s.metrics != nil {
		observability.ObserveDuration(s.metrics.JobClaimDuration, start)
	}
	return job, nil
}

// ReportSuccess completes a running job, stores its result, and fires
// the configured webhook without blocking the caller.
func (s *Scheduler) ReportSuccess(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := s.store.Complete(ctx, jobID, result); err != nil {
		return err
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsCompletedTotal.WithLabelValues(string(job.JobType), string(StateCompleted)).Inc()
	}
	s.notify(job)
	return nil
}

// ReportFailure records a worker failure. Failures under the retry cap
// schedule a retry with exponential backoff; failures past the cap, and
// failures the worker marked terminal, end the job in the failed state.
func (s *Scheduler) ReportFailure(ctx context.Context, jobID string, jobErr error) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StateRunning {
		return ErrInvalidTransition
	}

	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	newCount := job.RetryCount + 1

	if errors.Is(jobErr, ErrTerminal) || newCount > job.MaxRetries {
		// The persisted counter stays within the configured budget
		// even when the budget-exceeding attempt is what failed.
		finalCount := newCount
		if finalCount > job.MaxRetries {
			finalCount = job.MaxRetries
		}
		if err := s.store.MarkFailed(ctx, jobID, finalCount, errMsg); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"job_id":   jobID,
			"job_type": job.JobType,
			"retries":  finalCount,
		}).Warn("processing job failed permanently")
		if s.metrics != nil {
			s.metrics.JobsCompletedTotal.WithLabelValues(string(job.JobType), string(StateFailed)).Inc()
		}
		failed, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		s.notify(failed)
		return nil
	}

	nextRetry := s.policy.NextRetryTime(newCount)
	if err := s.store.MarkRetrying(ctx, jobID, newCount, nextRetry, errMsg); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobRetriesTotal.Inc()
	}
	s.log.WithFields(logrus.Fields{
		"job_id":        jobID,
		"job_type":      job.JobType,
		"retry_count":   newCount,
		"next_retry_at": nextRetry,
	}).Info("processing job scheduled for retry")
	return nil
}

// Cancel cancels a pending or retrying job. Running jobs cannot be
// cancelled; their worker must finish or fail them.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	if s.metrics != nil {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			s.metrics.JobsCompletedTotal.WithLabelValues(string(job.JobType), string(StateCancelled)).Inc()
		}
	}
	return nil
}

// Requeue manually re-enqueues a failed job with a fresh retry budget
func (s *Scheduler) Requeue(ctx context.Context, jobID string) error {
	return s.store.Requeue(ctx, jobID)
}

// Get returns a job by id
func (s *Scheduler) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// ListForDocument returns a document's jobs, newest first
func (s *Scheduler) ListForDocument(ctx context.Context, documentID string) ([]*Job, error) {
	return s.store.ListForDocument(ctx, documentID)
}

// ReclaimStale returns expired running claims to the pending queue.
// Run periodically so a crashed worker's job does not stay stuck.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int64, error) {
	reclaimed, err := s.store.ReclaimStale(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.log.WithField("count", reclaimed).Warn("reclaimed stale job claims")
		if s.metrics != nil {
			s.metrics.JobsReclaimedTotal.Add(float64(reclaimed))
		}
	}
	return reclaimed, nil
}

func (s *Scheduler) notify(job *Job) {
	if s.notifier == nil || job.WebhookURL == "" {
		return
	}
	// Detached from the reporting call; delivery retries are the
	// notifier's concern.
	async.SafeGo(context.Background(), 30*time.Second, "job webhook delivery", func(ctx context.Context) error {
		return s.notifier.NotifyJobEvent(ctx, job)
	})
}
