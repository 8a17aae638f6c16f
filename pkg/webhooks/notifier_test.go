package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvault/docuvault/pkg/scheduler"
)

func completedJob(url, secret string) *scheduler.Job {
	return &scheduler.Job{
		ID:            "job-1",
		DocumentID:    "doc-1",
		JobType:       scheduler.JobTypeOCR,
		Status:        scheduler.StateCompleted,
		Result:        json.RawMessage(`{"text": "hello"}`),
		WebhookURL:    url,
		WebhookSecret: secret,
	}
}

func TestNotifyJobEventDelivers(t *testing.T) {
	type received struct {
		event     JobEvent
		signature string
		jobHeader string
		custom    string
		body      []byte
	}
	got := make(chan received, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event JobEvent
		assert.NoError(t, json.Unmarshal(body, &event))
		got <- received{
			event:     event,
			signature: r.Header.Get("X-DocuVault-Signature"),
			jobHeader: r.Header.Get("X-DocuVault-Job-ID"),
			custom:    r.Header.Get("X-Tenant"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewNotifier(NotifierOptions{})
	job := completedJob(server.URL, "s3cret")
	job.WebhookHeaders = map[string]string{"X-Tenant": "org-1"}

	require.NoError(t, notifier.NotifyJobEvent(context.Background(), job))

	select {
	case r := <-got:
		assert.Equal(t, "job-1", r.event.JobID)
		assert.Equal(t, "doc-1", r.event.DocumentID)
		assert.Equal(t, scheduler.StateCompleted, r.event.Status)
		assert.JSONEq(t, `{"text": "hello"}`, string(r.event.Result))
		assert.Equal(t, "job-1", r.jobHeader)
		assert.Equal(t, "org-1", r.custom)
		assert.True(t, VerifySignature(r.body, r.signature, "s3cret"))
		assert.False(t, VerifySignature(r.body, r.signature, "wrong"))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	stats := notifier.DeliveryStats(server.URL)
	assert.Equal(t, 1, stats.Success)
}

func TestFailedDeliveryRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewNotifier(NotifierOptions{
		RetryPolicy: RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier.StartRetryWorker(ctx, 10*time.Millisecond)
	defer notifier.StopRetryWorker()

	require.NoError(t, notifier.NotifyJobEvent(ctx, completedJob(server.URL, "")))

	require.Eventually(t, func() bool {
		return notifier.DeliveryStats(server.URL).Success == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDeliveryExhaustsAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewNotifier(NotifierOptions{
		RetryPolicy: RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: 5 * time.Millisecond,
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier.StartRetryWorker(ctx, 10*time.Millisecond)
	defer notifier.StopRetryWorker()

	require.NoError(t, notifier.NotifyJobEvent(ctx, completedJob(server.URL, "")))

	require.Eventually(t, func() bool {
		return notifier.DeliveryStats(server.URL).Failed == 1
	}, 3*time.Second, 10*time.Millisecond)

	logs := notifier.DeliveryLogs(server.URL, 10)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].Attempts)
	assert.Contains(t, logs[0].ErrorMessage, "500")
}

func TestNoTargetConfigured(t *testing.T) {
	notifier := NewNotifier(NotifierOptions{})
	job := completedJob("", "")

	require.NoError(t, notifier.NotifyJobEvent(context.Background(), job))
	assert.Equal(t, 0, notifier.DeliveryStats("").Total)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)

	assert.True(t, rl.Allow("https://a.test"))
	assert.True(t, rl.Allow("https://a.test"))
	assert.False(t, rl.Allow("https://a.test"))

	// Separate targets have separate buckets
	assert.True(t, rl.Allow("https://b.test"))
}

func TestRetryPolicyDelays(t *testing.T) {
	p := NewRetryPolicy(RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, time.Second, p.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, p.NextRetryDelay(2))
	assert.Equal(t, 4*time.Second, p.NextRetryDelay(3))
	assert.Equal(t, 10*time.Second, p.NextRetryDelay(10))

	assert.True(t, p.ShouldRetry(4))
	assert.False(t, p.ShouldRetry(5))
}

func TestDeliveryLogStoreEviction(t *testing.T) {
	store := NewDeliveryLogStore(2)

	oldDone := &DeliveryLog{ID: "a", URL: "u", Status: DeliveryStatusSuccess, CreatedAt: time.Now().Add(-time.Hour)}
	inflight := &DeliveryLog{ID: "b", URL: "u", Status: DeliveryStatusRetrying, CreatedAt: time.Now().Add(-2 * time.Hour)}
	store.Add(oldDone)
	store.Add(inflight)
	store.Add(&DeliveryLog{ID: "c", URL: "u", Status: DeliveryStatusPending, CreatedAt: time.Now()})

	// Completed entries are evicted before in-flight ones, even older
	_, ok := store.Get("a")
	assert.False(t, ok)
	_, ok = store.Get("b")
	assert.True(t, ok)
	_, ok = store.Get("c")
	assert.True(t, ok)
}
