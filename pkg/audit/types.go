package audit

import (
	"encoding/json"
	"time"
)

// Action represents the kind of repository operation being recorded
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionShare    Action = "share"
	ActionUnshare  Action = "unshare"
	ActionDownload Action = "download"
	ActionProcess  Action = "process"
)

// validActions is the closed set of recordable actions
var validActions = map[Action]bool{
	ActionCreate:   true,
	ActionRead:     true,
	ActionUpdate:   true,
	ActionDelete:   true,
	ActionShare:    true,
	ActionUnshare:  true,
	ActionDownload: true,
	ActionProcess:  true,
}

// IsValid reports whether the action is one of the recordable actions
func (a Action) IsValid() bool {
	return validActions[a]
}

// Outcome represents the result of the recorded operation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Entry represents a single append-only audit trail record
type Entry struct {
	// Core fields
	ID        int64     `json:"id"`
	EntryID   string    `json:"entry_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`

	// Who and what
	Actor          string `json:"actor"`
	DocumentID     string `json:"document_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Free-form details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an entry from JSON
func FromJSON(data []byte) (*Entry, error) {
	var entry Entry
	err := json.Unmarshal(data, &entry)
	return &entry, err
}

// SearchFilter represents filters for searching the audit trail
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor and scope filters
	Actor          string
	DocumentID     string
	OrganizationID string

	// Event filters
	Actions []Action
	Outcome *Outcome

	// Request context
	RequestID string

	// Pagination
	Limit  int
	Offset int
}

// TrailStats summarizes audit trail volume
type TrailStats struct {
	Total     int64             `json:"total"`
	ByAction  map[Action]int64  `json:"by_action"`
	ByOutcome map[Outcome]int64 `json:"by_outcome"`
}

// ExportFormat represents the format for exporting audit entries
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// RetentionPolicy defines how long audit entries are kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit entries
	RetentionDays int

	// ArchiveEnabled determines if expired entries are archived before deletion
	ArchiveEnabled bool

	// ArchivePath is where archived entries are written
	ArchivePath string
}

// DefaultRetentionPolicy returns the default 90-day retention policy
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays:  90,
		ArchiveEnabled: true,
		ArchivePath:    "/var/docuvault/audit-archive",
	}
}
