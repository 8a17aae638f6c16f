package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/docuvault/docuvault/pkg/observability"
)

// RunnerOptions configures a Runner
type RunnerOptions struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	ExecTimeout  time.Duration
	Metrics      *observability.Metrics
	Logger       *logrus.Logger
}

// Runner polls for claimable jobs and dispatches them to registered
// workers. Each of its goroutines runs an independent claim loop, so
// claim exclusivity is carried entirely by the store.
type Runner struct {
	scheduler *Scheduler
	registry  *Registry
	opts      RunnerOptions

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRunner creates a job runner
func NewRunner(scheduler *Scheduler, registry *Registry, opts RunnerOptions) *Runner {
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Runner{
		scheduler: scheduler,
		registry:  registry,
		opts:      opts,
	}
}

// Start launches the claim loops. It returns immediately; use Stop to
// shut the runner down.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < r.opts.Concurrency; i++ {
		id := fmt.Sprintf("%s/%d", r.opts.WorkerID, i)
		r.group.Go(func() error {
			r.claimLoop(ctx, id)
			return nil
		})
	}

	r.opts.Logger.WithFields(logrus.Fields{
		"worker_id":   r.opts.WorkerID,
		"concurrency": r.opts.Concurrency,
		"job_types":   r.registry.Types(),
	}).Info("job runner started")
}

// Stop cancels the claim loops and waits for in-flight jobs to report
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		return r.group.Wait()
	}
	return nil
}

func (r *Runner) claimLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain all eligible work before going back to sleep
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := r.scheduler.ClaimNext(ctx, workerID, r.registry.Types())
			if err != nil {
				r.opts.Logger.WithError(err).Error("failed to claim job")
				break
			}
			if job == nil {
				break
			}
			r.execute(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *Job) {
	log := r.opts.Logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"document": job.DocumentID,
	})

	worker, ok := r.registry.Get(job.JobType)
	if !ok {
		// Capabilities changed between claim and dispatch
		if err := r.scheduler.ReportFailure(ctx, job.ID, fmt.Errorf("%w: no worker registered for %q", ErrTerminal, job.JobType)); err != nil {
			log.WithError(err).Error("failed to report missing worker")
		}
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.opts.ExecTimeout)
	defer cancel()

	start := time.Now()
	result, execErr := worker.Execute(execCtx, job)
	if r.opts.Metrics != nil {
		r.opts.Metrics.JobExecutionDuration.WithLabelValues(string(job.JobType)).Observe(time.Since(start).Seconds())
	}

	// Reporting must survive runner shutdown or the claim goes stale
	// until the lease sweep finds it.
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()

	if execErr != nil {
		log.WithError(execErr).Warn("job execution failed")
		if err := r.scheduler.ReportFailure(reportCtx, job.ID, execErr); err != nil {
			log.WithError(err).Error("failed to report job failure")
		}
		return
	}

	if err := r.scheduler.ReportSuccess(reportCtx, job.ID, result); err != nil {
		log.WithError(err).Error("failed to report job success")
		return
	}
	log.WithField("duration", time.Since(start)).Info("job completed")
}
