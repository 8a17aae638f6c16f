package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	jobs []*Job
}

func (n *captureNotifier) NotifyJobEvent(ctx context.Context, job *Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func newTestScheduler(t *testing.T, notifier Notifier) *Scheduler {
	t.Helper()
	return New(NewStore(setupTestDB(t)), Options{
		LeaseDuration: time.Minute,
		RetryPolicy: RetryPolicy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		},
		Notifier: notifier,
	})
}

func claimOne(t *testing.T, s *Scheduler, job *Job) {
	t.Helper()
	claimed, err := s.ClaimNext(context.Background(), "worker-1", allJobTypes())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
}

func TestRetryCapEndsInFailed(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	job.MaxRetries = 3
	require.NoError(t, s.Enqueue(ctx, job))

	// Three failures stay under the cap
	for i := 1; i <= 3; i++ {
		// Let the backoff window elapse so the claim sees the job again
		require.Eventually(t, func() bool {
			claimed, err := s.ClaimNext(ctx, "worker-1", allJobTypes())
			return err == nil && claimed != nil
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, s.ReportFailure(ctx, job.ID, fmt.Errorf("attempt %d failed", i)))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRetrying, got.Status)
		assert.Equal(t, i, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
	}

	// The fourth failure exhausts the budget
	require.Eventually(t, func() bool {
		claimed, err := s.ClaimNext(ctx, "worker-1", allJobTypes())
		return err == nil && claimed != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.ReportFailure(ctx, job.ID, errors.New("attempt 4 failed")))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.Status)

	// The persisted counter is capped at the configured budget
	assert.Equal(t, job.MaxRetries, got.RetryCount)

	// Failed jobs never re-enter the queue on their own
	claimed, err := s.ClaimNext(ctx, "worker-1", allJobTypes())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// And cannot be cancelled
	err = s.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeTextExtraction, 5)
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)

	err := s.ReportFailure(ctx, job.ID, fmt.Errorf("%w: unsupported content type", ErrTerminal))
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "unsupported content type")
}

func TestReportSuccessFiresWebhook(t *testing.T) {
	notifier := &captureNotifier{}
	s := newTestScheduler(t, notifier)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	job.WebhookURL = "https://example.test/hooks/jobs"
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)

	require.NoError(t, s.ReportSuccess(ctx, job.ID, []byte(`{"text": "hello"}`)))

	require.Eventually(t, func() bool {
		return notifier.count() == 1
	}, time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	delivered := notifier.jobs[0]
	notifier.mu.Unlock()
	assert.Equal(t, StateCompleted, delivered.Status)
	assert.JSONEq(t, `{"text": "hello"}`, string(delivered.Result))
}

func TestNoWebhookConfiguredNoDelivery(t *testing.T) {
	notifier := &captureNotifier{}
	s := newTestScheduler(t, notifier)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)
	require.NoError(t, s.ReportSuccess(ctx, job.ID, nil))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, notifier.count())
}

func TestTerminalFailureFiresWebhook(t *testing.T) {
	notifier := &captureNotifier{}
	s := newTestScheduler(t, notifier)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	job.MaxRetries = 0
	job.WebhookURL = "https://example.test/hooks/jobs"
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)

	require.NoError(t, s.ReportFailure(ctx, job.ID, errors.New("scanner crashed")))

	require.Eventually(t, func() bool {
		return notifier.count() == 1
	}, time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	delivered := notifier.jobs[0]
	notifier.mu.Unlock()
	assert.Equal(t, StateFailed, delivered.Status)
}

func TestReportFailureRequiresRunning(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	require.NoError(t, s.Enqueue(ctx, job))

	err := s.ReportFailure(ctx, job.ID, errors.New("nope"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.ReportFailure(ctx, "missing", errors.New("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueRestoresRetryBudget(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	job.MaxRetries = 0
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)
	require.NoError(t, s.ReportFailure(ctx, job.ID, errors.New("boom")))

	require.NoError(t, s.Requeue(ctx, job.ID))
	claimOne(t, s, job)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSchedulerReclaimStale(t *testing.T) {
	s := New(NewStore(setupTestDB(t)), Options{LeaseDuration: time.Millisecond})
	ctx := context.Background()

	job := sampleJob("doc-1", JobTypeOCR, 5)
	require.NoError(t, s.Enqueue(ctx, job))
	claimOne(t, s, job)

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := s.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	// Reclaimed work is claimable again
	claimOne(t, s, job)
}
