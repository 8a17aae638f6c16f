package webhooks

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docuvault/docuvault/pkg/async"
)

const retrySweepConcurrency = 4

// RetryPolicy configures delivery retry behavior. The delivery budget
// is independent of the job's own retry counter.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the default delivery retry configuration
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// NewRetryPolicy normalizes a retry policy, applying defaults for
// unset fields.
func NewRetryPolicy(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.BackoffMultiplier <= 1.0 {
		p.BackoffMultiplier = 2.0
	}
	return p
}

// ShouldRetry reports whether another attempt fits the budget
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NextRetryDelay calculates the delay before the next attempt
func (p RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime calculates when the next attempt should occur
func (p RetryPolicy) NextRetryTime(attempts int) time.Time {
	return time.Now().UTC().Add(p.NextRetryDelay(attempts))
}

// RetryWorker periodically re-attempts deliveries left in the retrying
// state.
type RetryWorker struct {
	notifier      *Notifier
	deliveryStore *DeliveryLogStore
	policy        RetryPolicy
	stopCh        chan struct{}
	ticker        *time.Ticker
}

// NewRetryWorker creates a delivery retry worker
func NewRetryWorker(notifier *Notifier, deliveryStore *DeliveryLogStore, policy RetryPolicy) *RetryWorker {
	return &RetryWorker{
		notifier:      notifier,
		deliveryStore: deliveryStore,
		policy:        policy,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the retry sweep loop
func (w *RetryWorker) Start(ctx context.Context, checkInterval time.Duration) {
	w.ticker = time.NewTicker(checkInterval)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.notifier.log.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("webhook retry worker panicked")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-w.ticker.C:
				w.processRetries(ctx)
			}
		}
	}()
}

// Stop stops the retry sweep loop
func (w *RetryWorker) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.stopCh)
}

// processRetries fans the due deliveries out through a short-lived
// worker pool; slow targets must not stall the rest of the sweep.
func (w *RetryWorker) processRetries(ctx context.Context) {
	due := w.deliveryStore.GetPendingRetries()
	if len(due) == 0 {
		return
	}

	concurrency := retrySweepConcurrency
	if len(due) < concurrency {
		concurrency = len(due)
	}
	pool := async.NewWorkerPool(ctx, concurrency, "webhook retry delivery", w.notifier.client.Timeout+time.Second)
	for _, dl := range due {
		dl := dl
		pool.Submit(func(ctx context.Context) error {
			w.notifier.attempt(ctx, dl)
			return nil
		})
	}
	if err := pool.Shutdown(w.notifier.client.Timeout * 2); err != nil {
		w.notifier.log.WithError(err).Warn("webhook retry sweep did not drain in time")
	}
}
