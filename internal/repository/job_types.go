package repository

import (
	"encoding/json"
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"

	JobTypeImmediate = "immediate"
	JobTypeScheduled = "scheduled"

	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// JobEntry is the durable ledger record of one asynchronous unit of work.
// The ledger id doubles as the broker task id.
type JobEntry struct {
	ID              string
	Queue           string
	OrganizationID  *string
	Type            string // immediate | scheduled
	Priority        string // low | normal | high | critical
	Status          string // pending | running | completed | failed | cancelled
	Payload         json.RawMessage
	Result          json.RawMessage
	Error           *string
	Attempts        int
	MaxRetries      int
	ScheduledFor    *time.Time
	EnqueuedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelRequested bool
	TriggerRef      *string // loose reference, e.g. "approval_request:<id>"
	RetryOf         *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the entry can no longer change.
func (j *JobEntry) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue          string
	Status         string
	OrganizationID string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	Limit          int
	Offset         int
}
