package repository

import (
	"encoding/json"
	"time"
)

const (
	IdempotencyPending   = "pending"
	IdempotencyRunning   = "running"
	IdempotencyCompleted = "completed"
	IdempotencyFailed    = "failed"

	CallSucceeded      = "succeeded"
	CallFailed         = "failed"
	CallShortCircuited = "short_circuited"
	BreakerTransition  = "state_changed"
)

// IdempotencyRecord maps a caller supplied key to the outcome of one external
// operation. At most one record exists per (integration, key).
type IdempotencyRecord struct {
	Integration string
	Key         string
	Operation   string
	RequestHash string
	Status      string // pending | running | completed | failed
	Response    json.RawMessage
	Error       *string
	LockedUntil *time.Time
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IntegrationAuditEntry records one attempt against an external system, or a
// circuit breaker transition for that integration.
type IntegrationAuditEntry struct {
	ID              string
	Integration     string
	Operation       string
	IdempotencyKey  *string
	ParentID        *string
	Attempt         int
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
	Error           *string
	Status          string // succeeded | failed | short_circuited | state_changed
	BreakerState    string
	StartedAt       time.Time
	FinishedAt      time.Time
	DurationMS      int64
}

// IntegrationAuditFilter narrows ListIntegrationAudit.
type IntegrationAuditFilter struct {
	Integration    string
	IdempotencyKey string
	Status         string
	Limit          int
}
