package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the processing pipeline a job runs through
type JobType string

const (
	JobTypeOCR                JobType = "ocr"
	JobTypeThumbnail          JobType = "thumbnail"
	JobTypeMetadataExtraction JobType = "metadata_extraction"
	JobTypeClassification     JobType = "classification"
	JobTypeVirusScan          JobType = "virus_scan"
	JobTypeTextExtraction     JobType = "text_extraction"
	JobTypeEntityExtraction   JobType = "entity_extraction"
)

// IsValid checks whether the job type is one of the known pipelines
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeOCR, JobTypeThumbnail, JobTypeMetadataExtraction,
		JobTypeClassification, JobTypeVirusScan, JobTypeTextExtraction,
		JobTypeEntityExtraction:
		return true
	}
	return false
}

// State is a processing job lifecycle state
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateRetrying  State = "retrying"
)

// Terminal reports whether no further transition is defined from the state
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Priority bounds: higher runs sooner among eligible jobs
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// DefaultMaxRetries is the retry budget callers fall back to when none
// is requested. Zero is a legal budget: the first failure is terminal.
const DefaultMaxRetries = 3

// Job is one unit of asynchronous document processing
type Job struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	JobType    JobType           `json:"job_type"`
	Status     State             `json:"status"`
	Priority   int               `json:"priority"`
	Config     map[string]string `json:"config,omitempty"`

	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorMsg    string          `json:"error,omitempty"`

	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookSecret  string            `json:"-"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`

	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the fields a caller controls at enqueue time
func (j *Job) Validate() error {
	if j.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if !j.JobType.IsValid() {
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, j.JobType)
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, MinPriority, MaxPriority)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrValidation)
	}
	return nil
}
