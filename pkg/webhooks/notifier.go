package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/docuvault/docuvault/pkg/observability"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

// JobEvent is the JSON body delivered to a job's webhook target
type JobEvent struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	DocumentID string            `json:"document_id"`
	JobType    scheduler.JobType `json:"job_type"`
	Status     scheduler.State   `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Notifier delivers job lifecycle events to per-job HTTP targets. It
// implements scheduler.Notifier. Failed deliveries are retried by a
// RetryWorker with its own bounded budget, independent of job retries.
type Notifier struct {
	client        *http.Client
	deliveryStore *DeliveryLogStore
	retryWorker   *RetryWorker
	rateLimiter   *RateLimiter
	metrics       *observability.Metrics
	log           *logrus.Logger
}

// NotifierOptions configures a Notifier
type NotifierOptions struct {
	Timeout      time.Duration
	MaxLogs      int
	RetryPolicy  RetryPolicy
	RateLimit    int
	RatePeriod   time.Duration
	Metrics      *observability.Metrics
	Logger       *logrus.Logger
}

// NewNotifier creates a webhook notifier
func NewNotifier(opts NotifierOptions) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	if opts.RatePeriod <= 0 {
		opts.RatePeriod = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	n := &Notifier{
		client:        &http.Client{Timeout: opts.Timeout},
		deliveryStore: NewDeliveryLogStore(opts.MaxLogs),
		rateLimiter:   NewRateLimiter(opts.RateLimit, opts.RatePeriod),
		metrics:       opts.Metrics,
		log:           opts.Logger,
	}
	n.retryWorker = NewRetryWorker(n, n.deliveryStore, NewRetryPolicy(opts.RetryPolicy))
	return n
}

// StartRetryWorker starts the background delivery retry sweep
func (n *Notifier) StartRetryWorker(ctx context.Context, checkInterval time.Duration) {
	n.retryWorker.Start(ctx, checkInterval)
}

// StopRetryWorker stops the background delivery retry sweep
func (n *Notifier) StopRetryWorker() {
	n.retryWorker.Stop()
}

// DeliveryLogs returns recent delivery attempts for a target URL
func (n *Notifier) DeliveryLogs(url string, limit int) []*DeliveryLog {
	return n.deliveryStore.GetByTarget(url, limit)
}

// DeliveryStats returns aggregate delivery counts for a target URL
func (n *Notifier) DeliveryStats(url string) DeliveryStats {
	return n.deliveryStore.GetStats(url)
}

// NotifyJobEvent builds the event for a terminal job state and delivers
// it to the job's configured target.
func (n *Notifier) NotifyJobEvent(ctx context.Context, job *scheduler.Job) error {
	if job.WebhookURL == "" {
		return nil
	}

	event := &JobEvent{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		JobType:    job.JobType,
		Status:     job.Status,
		Result:     job.Result,
		Error:      job.ErrorMsg,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	dl := &DeliveryLog{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		JobID:     job.ID,
		URL:       job.WebhookURL,
		Secret:    job.WebhookSecret,
		Headers:   job.WebhookHeaders,
		Payload:   payload,
		Status:    DeliveryStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	n.deliveryStore.Add(dl)

	n.attempt(ctx, dl)
	return nil
}

// attempt performs one delivery try and updates the log with the
// outcome; the retry worker picks up anything left in the retrying
// state.
func (n *Notifier) attempt(ctx context.Context, dl *DeliveryLog) {
	dl.Attempts++
	start := time.Now()
	err := n.send(ctx, dl)
	dl.Duration = time.Since(start)

	if n.metrics != nil {
		n.metrics.WebhookDeliveryLatency.Observe(dl.Duration.Seconds())
	}

	if err != nil {
		if n.retryWorker.policy.ShouldRetry(dl.Attempts) {
			dl.Status = DeliveryStatusRetrying
			next := n.retryWorker.policy.NextRetryTime(dl.Attempts)
			dl.NextRetryAt = &next
			dl.ErrorMessage = err.Error()
			if n.metrics != nil {
				n.metrics.WebhookDeliveriesTotal.WithLabelValues("retrying").Inc()
			}
		} else {
			dl.markFailed(err.Error())
			if n.metrics != nil {
				n.metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			}
			n.log.WithFields(logrus.Fields{
				"job_id": dl.JobID,
				"url":    dl.URL,
			}).WithError(err).Warn("webhook delivery exhausted retries")
		}
	} else {
		dl.markSuccess()
		if n.metrics != nil {
			n.metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		}
	}

	n.deliveryStore.Update(dl)
}

func (n *Notifier) send(ctx context.Context, dl *DeliveryLog) error {
	if !n.rateLimiter.Allow(dl.URL) {
		return fmt.Errorf("rate limit exceeded for target %s", dl.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DocuVault-Event-ID", dl.EventID)
	req.Header.Set("X-DocuVault-Job-ID", dl.JobID)
	req.Header.Set("X-DocuVault-Delivery", time.Now().UTC().Format(time.RFC3339))
	for key, value := range dl.Headers {
		req.Header.Set(key, value)
	}
	if dl.Secret != "" {
		req.Header.Set("X-DocuVault-Signature", generateSignature(dl.Payload, dl.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	dl.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook target returned status %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature checks a received payload against its signature
// header, for webhook consumers.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
