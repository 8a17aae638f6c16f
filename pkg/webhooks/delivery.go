package webhooks

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DeliveryLog records one job event delivery and its attempts. The
// payload is kept so retries resend exactly what was signed.
type DeliveryLog struct {
	ID           string            `json:"id"`
	EventID      string            `json:"event_id"`
	JobID        string            `json:"job_id"`
	URL          string            `json:"url"`
	Secret       string            `json:"-"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      []byte            `json:"-"`
	Status       DeliveryStatus    `json:"status"`
	StatusCode   int               `json:"status_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Attempts     int               `json:"attempts"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
}

func (dl *DeliveryLog) markSuccess() {
	dl.Status = DeliveryStatusSuccess
	dl.ErrorMessage = ""
	dl.NextRetryAt = nil
	now := time.Now().UTC()
	dl.CompletedAt = &now
}

func (dl *DeliveryLog) markFailed(errMsg string) {
	dl.Status = DeliveryStatusFailed
	dl.ErrorMessage = errMsg
	dl.NextRetryAt = nil
	now := time.Now().UTC()
	dl.CompletedAt = &now
}

// DeliveryStats aggregates delivery outcomes for a target
type DeliveryStats struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
	Pending  int `json:"pending"`
}

// DeliveryLogStore keeps recent delivery logs in memory, bounded by
// evicting the oldest completed entries first.
type DeliveryLogStore struct {
	mu      sync.RWMutex
	logs    map[string]*DeliveryLog
	maxLogs int
}

// NewDeliveryLogStore creates a bounded delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add inserts a delivery log, evicting the oldest if over capacity
func (s *DeliveryLogStore) Add(dl *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	s.logs[dl.ID] = dl
}

// Get returns a delivery log by id
func (s *DeliveryLogStore) Get(id string) (*DeliveryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.logs[id]
	return dl, ok
}

// Update replaces a delivery log entry
func (s *DeliveryLogStore) Update(dl *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[dl.ID] = dl
}

// GetByTarget returns delivery logs for a target URL, newest first
func (s *DeliveryLogStore) GetByTarget(url string, limit int) []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*DeliveryLog
	for _, dl := range s.logs {
		if dl.URL == url {
			result = append(result, dl)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// GetPendingRetries returns deliveries due for another attempt
func (s *DeliveryLogStore) GetPendingRetries() []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var result []*DeliveryLog
	for _, dl := range s.logs {
		if dl.Status == DeliveryStatusRetrying && dl.NextRetryAt != nil && !dl.NextRetryAt.After(now) {
			result = append(result, dl)
		}
	}
	return result
}

// GetStats aggregates outcomes for a target URL
func (s *DeliveryLogStore) GetStats(url string) DeliveryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeliveryStats{}
	for _, dl := range s.logs {
		if dl.URL != url {
			continue
		}
		stats.Total++
		switch dl.Status {
		case DeliveryStatusSuccess:
			stats.Success++
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		case DeliveryStatusPending:
			stats.Pending++
		}
	}
	return stats
}

// evictOldest removes the oldest completed log, or the oldest log of
// any status when everything is still in flight. Caller holds the lock.
func (s *DeliveryLogStore) evictOldest() {
	var oldestID string
	var oldestAt time.Time
	var oldestDoneID string
	var oldestDoneAt time.Time

	for id, dl := range s.logs {
		if oldestID == "" || dl.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = dl.CreatedAt
		}
		done := dl.Status == DeliveryStatusSuccess || dl.Status == DeliveryStatusFailed
		if done && (oldestDoneID == "" || dl.CreatedAt.Before(oldestDoneAt)) {
			oldestDoneID = id
			oldestDoneAt = dl.CreatedAt
		}
	}

	if oldestDoneID != "" {
		delete(s.logs, oldestDoneID)
	} else if oldestID != "" {
		delete(s.logs, oldestID)
	}
}
