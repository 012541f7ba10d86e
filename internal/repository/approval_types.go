package repository

import (
	"encoding/json"
	"time"
)

// ── Domain types for approval workflows ──────────────────────────────────────

const (
	StepTypeSingle   = "single"
	StepTypeParallel = "parallel"
	StepTypeAny      = "any"

	ApproverTypeUser = "user"
	ApproverTypeRole = "role"
	ApproverTypeTeam = "team"

	RequestStatusPending   = "pending"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusCancelled = "cancelled"

	StepStatusPending   = "pending"
	StepStatusApproved  = "approved"
	StepStatusRejected  = "rejected"
	StepStatusSkipped   = "skipped"
	StepStatusCancelled = "cancelled"
)

// Workflow is an organization-scoped template of ordered approval steps for one
// entity type. A workflow referenced by requests is never edited in place; a
// revision creates a new row with Version+1.
type Workflow struct {
	ID                string
	OrganizationID    string
	Name              string
	Description       *string
	EntityType        string
	Version           int
	PreviousVersionID *string
	IsActive          bool
	CreatedBy         string
	Steps             []*WorkflowStep
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowStep is one stage of a workflow definition.
type WorkflowStep struct {
	ID           string
	WorkflowID   string
	StepOrder    int    // 1-based, strictly increasing
	Name         string
	StepType     string // single | parallel | any
	ApproverType string // user | role | team
	ApproverRefs []string
	MinApprovals int
	CreatedAt    time.Time
}

// ApprovalRule selects a workflow for entities whose data satisfies Conditions.
type ApprovalRule struct {
	ID             string
	OrganizationID string
	EntityType     string
	Name           string
	WorkflowID     string
	Conditions     json.RawMessage // condition tree, see internal/rules
	Priority       int             // lower = evaluated first
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalRequest is one entity submitted for approval.
type ApprovalRequest struct {
	ID               string
	OrganizationID   string
	EntityType       string
	EntityID         string
	EntityData       map[string]any
	WorkflowID       string
	RuleID           *string
	RequestedBy      string
	Status           string // pending | approved | rejected | cancelled
	CurrentStepOrder int
	TotalSteps       int
	SubmittedAt      time.Time
	CompletedAt      *time.Time
	CompletedBy      *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsTerminal reports whether the request has been decided.
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != RequestStatusPending
}

// ApprovalStep is one approver's decision slot at a request's current step order.
type ApprovalStep struct {
	ID             string
	RequestID      string
	OrganizationID string
	WorkflowStepID string
	StepOrder      int
	StepType       string
	ApproverID     string
	DelegatedTo    *string
	DelegatedAt    *time.Time
	DelegationHops int
	Status         string // pending | approved | rejected | skipped | cancelled
	Comments       *string
	ActedBy        *string
	ActedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Actor returns the user currently allowed to act on the step.
func (s *ApprovalStep) Actor() string {
	if s.DelegatedTo != nil {
		return *s.DelegatedTo
	}
	return s.ApproverID
}

// ApprovalAuditEntry is one immutable record in the approval audit log.
type ApprovalAuditEntry struct {
	ID             string
	RequestID      string
	OrganizationID string
	StepID         *string
	Action         string // submitted | approved | rejected | delegated | advanced | completed | cancelled
	PerformedBy    string
	StatusBefore   *string
	StatusAfter    *string
	Metadata       map[string]any
	PerformedAt    time.Time
}

// Membership is a user's standing in an organization.
type Membership struct {
	OrganizationID string
	UserID         string
	Role           string
	Teams          []string
	IsActive       bool
	CreatedAt      time.Time
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	OrganizationID  string
	EntityType      string
	Status          string
	RequestedBy     string
	SubmittedAfter  *time.Time
	SubmittedBefore *time.Time
	Limit           int
	Offset          int
}
