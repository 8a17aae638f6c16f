package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docuvault/docuvault/pkg/observability"
)

// ReliableLogger wraps another Logger so that a failed audit write never
// fails the operation being audited. Failed entries go onto a bounded
// in-memory queue and are retried in the background with exponential
// backoff. Entries that exhaust their attempts, or that arrive while the
// queue is full, are escalated to the error log and counted.
type ReliableLogger struct {
	inner   Logger
	log     *logrus.Entry
	metrics *observability.Metrics

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration

	queue chan *pendingEntry
	stop  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

type pendingEntry struct {
	entry    *Entry
	attempts int
}

// ReliableLoggerConfig configures the retry behavior
type ReliableLoggerConfig struct {
	QueueSize    int           // Bounded retry queue capacity (default: 10000)
	MaxAttempts  int           // Attempts per entry including the first (default: 5)
	InitialDelay time.Duration // Delay before the first retry (default: 1s)
	MaxDelay     time.Duration // Backoff ceiling (default: 1m)
}

// DefaultReliableLoggerConfig returns default retry configuration
func DefaultReliableLoggerConfig() ReliableLoggerConfig {
	return ReliableLoggerConfig{
		QueueSize:    10000,
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}
}

// NewReliableLogger wraps inner with background retry. The metrics
// argument may be nil.
func NewReliableLogger(inner Logger, config ReliableLoggerConfig, metrics *observability.Metrics) *ReliableLogger {
	if config.QueueSize <= 0 {
		config.QueueSize = 10000
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Minute
	}

	l := &ReliableLogger{
		inner:        inner,
		log:          logrus.WithField("component", "audit-retry"),
		metrics:      metrics,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		queue:        make(chan *pendingEntry, config.QueueSize),
		stop:         make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retryLoop()

	return l
}

// Record attempts the write synchronously once. On failure the entry is
// queued for background retry and nil is returned; audit unavailability
// must not fail the operation being recorded.
func (l *ReliableLogger) Record(ctx context.Context, entry *Entry) error {
	err := l.inner.Record(ctx, entry)
	if err == nil {
		if l.metrics != nil {
			l.metrics.AuditEntriesTotal.WithLabelValues(string(entry.Action)).Inc()
		}
		return nil
	}

	l.log.WithError(err).WithFields(logrus.Fields{
		"entry_id": entry.EntryID,
		"action":   entry.Action,
	}).Warn("audit write failed, queueing for retry")

	l.enqueue(&pendingEntry{entry: entry, attempts: 1})
	return nil
}

func (l *ReliableLogger) enqueue(p *pendingEntry) {
	select {
	case l.queue <- p:
		if l.metrics != nil {
			l.metrics.AuditRetryQueueDepth.Set(float64(len(l.queue)))
		}
	default:
		l.escalate(p.entry, "audit retry queue full, entry dropped")
	}
}

// retryLoop drains the queue, retrying each entry with exponential backoff
func (l *ReliableLogger) retryLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case p := <-l.queue:
			if l.metrics != nil {
				l.metrics.AuditRetryQueueDepth.Set(float64(len(l.queue)))
			}
			l.retryEntry(p)
		}
	}
}

func (l *ReliableLogger) retryEntry(p *pendingEntry) {
	for p.attempts < l.maxAttempts {
		delay := l.backoffDelay(p.attempts)
		select {
		case <-l.stop:
			// Shutdown: one last immediate attempt
			if err := l.inner.Record(context.Background(), p.entry); err != nil {
				l.escalate(p.entry, "audit retry abandoned at shutdown")
			}
			return
		case <-time.After(delay):
		}

		p.attempts++
		if l.metrics != nil {
			l.metrics.AuditRetriesTotal.Inc()
		}

		if err := l.inner.Record(context.Background(), p.entry); err == nil {
			if l.metrics != nil {
				l.metrics.AuditEntriesTotal.WithLabelValues(string(p.entry.Action)).Inc()
			}
			return
		}
	}

	l.escalate(p.entry, "audit entry failed after max retry attempts")
}

// backoffDelay returns initialDelay * 2^(attempt-1), capped at maxDelay
func (l *ReliableLogger) backoffDelay(attempt int) time.Duration {
	delay := l.initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	if delay > l.maxDelay {
		return l.maxDelay
	}
	return delay
}

func (l *ReliableLogger) escalate(entry *Entry, reason string) {
	if l.metrics != nil {
		l.metrics.AuditWriteFailures.Inc()
	}
	payload, _ := entry.ToJSON()
	l.log.WithFields(logrus.Fields{
		"entry_id": entry.EntryID,
		"action":   entry.Action,
		"payload":  string(payload),
	}).Error(reason)
}

// drain makes a final attempt at everything still queued
func (l *ReliableLogger) drain() {
	for {
		select {
		case p := <-l.queue:
			if err := l.inner.Record(context.Background(), p.entry); err != nil {
				l.escalate(p.entry, "audit retry abandoned at shutdown")
			}
		default:
			return
		}
	}
}

// Close stops the retry loop, drains the queue, and closes the inner logger
func (l *ReliableLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
	return l.inner.Close()
}
