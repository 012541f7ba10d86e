package handler

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ── Wire shapes shared by the REST and gRPC surfaces ──────────────────────────

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func errorBody(err error) gin.H {
	out := errorJSON{Code: string(errors.CodeOf(err)), Message: errors.Public(err)}
	var e *errors.Error
	if errors.As(err, &e) {
		out.Field = e.Field
	}
	return gin.H{"error": out}
}

type submitJSON struct {
	RequestID  string   `json:"request_id"`
	WorkflowID string   `json:"workflow_id"`
	RuleID     string   `json:"rule_id"`
	Status     string   `json:"status"`
	StepOrder  int      `json:"step_order"`
	Approvers  []string `json:"approvers"`
	Message    string   `json:"message"`
}

func toSubmitJSON(r *service.SubmitResult) submitJSON {
	return submitJSON{
		RequestID:  r.RequestID,
		WorkflowID: r.WorkflowID,
		RuleID:     r.RuleID,
		Status:     r.Status,
		StepOrder:  r.StepOrder,
		Approvers:  r.Approvers,
		Message:    r.Message,
	}
}

type decisionJSON struct {
	RequestID     string     `json:"request_id"`
	Status        string     `json:"status"`
	StepOrder     int        `json:"step_order"`
	QuorumMet     bool       `json:"quorum_met"`
	NextStepOrder int        `json:"next_step_order,omitempty"`
	NextApprovers []string   `json:"next_approvers,omitempty"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Message       string     `json:"message"`
}

func toDecisionJSON(d *service.Decision) decisionJSON {
	return decisionJSON{
		RequestID:     d.RequestID,
		Status:        d.Status,
		StepOrder:     d.StepOrder,
		QuorumMet:     d.QuorumMet,
		NextStepOrder: d.NextStepOrder,
		NextApprovers: d.NextApprovers,
		Completed:     d.Completed,
		CompletedAt:   d.CompletedAt,
		Message:       d.Message,
	}
}

type requestJSON struct {
	ID               string         `json:"id"`
	OrganizationID   string         `json:"organization_id"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	EntityData       map[string]any `json:"entity_data"`
	WorkflowID       string         `json:"workflow_id"`
	RuleID           *string        `json:"rule_id,omitempty"`
	RequestedBy      string         `json:"requested_by"`
	Status           string         `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	TotalSteps       int            `json:"total_steps"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CompletedBy      *string        `json:"completed_by,omitempty"`
}

func toRequestJSON(r *repository.ApprovalRequest) requestJSON {
	return requestJSON{
		ID:               r.ID,
		OrganizationID:   r.OrganizationID,
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		EntityData:       r.EntityData,
		WorkflowID:       r.WorkflowID,
		RuleID:           r.RuleID,
		RequestedBy:      r.RequestedBy,
		Status:           r.Status,
		CurrentStepOrder: r.CurrentStepOrder,
		TotalSteps:       r.TotalSteps,
		SubmittedAt:      r.SubmittedAt,
		CompletedAt:      r.CompletedAt,
		CompletedBy:      r.CompletedBy,
	}
}

type stepJSON struct {
	ID             string     `json:"id"`
	StepOrder      int        `json:"step_order"`
	StepType       string     `json:"step_type"`
	ApproverID     string     `json:"approver_id"`
	DelegatedTo    *string    `json:"delegated_to,omitempty"`
	DelegationHops int        `json:"delegation_hops"`
	Status         string     `json:"status"`
	Comments       *string    `json:"comments,omitempty"`
	ActedBy        *string    `json:"acted_by,omitempty"`
	ActedAt        *time.Time `json:"acted_at,omitempty"`
}

func toStepJSON(s *repository.ApprovalStep) stepJSON {
	return stepJSON{
		ID:             s.ID,
		StepOrder:      s.StepOrder,
		StepType:       s.StepType,
		ApproverID:     s.ApproverID,
		DelegatedTo:    s.DelegatedTo,
		DelegationHops: s.DelegationHops,
		Status:         s.Status,
		Comments:       s.Comments,
		ActedBy:        s.ActedBy,
		ActedAt:        s.ActedAt,
	}
}

type auditJSON struct {
	ID           string         `json:"id"`
	StepID       *string        `json:"step_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PerformedAt  time.Time      `json:"performed_at"`
}

func toAuditJSON(a *repository.ApprovalAuditEntry) auditJSON {
	return auditJSON{
		ID:           a.ID,
		StepID:       a.StepID,
		Action:       a.Action,
		PerformedBy:  a.PerformedBy,
		StatusBefore: a.StatusBefore,
		StatusAfter:  a.StatusAfter,
		Metadata:     a.Metadata,
		PerformedAt:  a.PerformedAt,
	}
}

type workflowStepJSON struct {
	StepOrder    int      `json:"step_order"`
	Name         string   `json:"name"`
	StepType     string   `json:"step_type"`
	ApproverType string   `json:"approver_type"`
	ApproverRefs []string `json:"approver_refs"`
	MinApprovals int      `json:"min_approvals"`
}

type workflowJSON struct {
	ID                string             `json:"id"`
	OrganizationID    string             `json:"organization_id"`
	Name              string             `json:"name"`
	Description       *string            `json:"description,omitempty"`
	EntityType        string             `json:"entity_type"`
	Version           int                `json:"version"`
	PreviousVersionID *string            `json:"previous_version_id,omitempty"`
	IsActive          bool               `json:"is_active"`
	CreatedBy         string             `json:"created_by"`
	Steps             []workflowStepJSON `json:"steps"`
	CreatedAt         time.Time          `json:"created_at"`
}

func toWorkflowJSON(w *repository.Workflow) workflowJSON {
	out := workflowJSON{
		ID:                w.ID,
		OrganizationID:    w.OrganizationID,
		Name:              w.Name,
		Description:       w.Description,
		EntityType:        w.EntityType,
		Version:           w.Version,
		PreviousVersionID: w.PreviousVersionID,
		IsActive:          w.IsActive,
		CreatedBy:         w.CreatedBy,
		Steps:             make([]workflowStepJSON, 0, len(w.Steps)),
		CreatedAt:         w.CreatedAt,
	}
	for _, s := range w.Steps {
		out.Steps = append(out.Steps, workflowStepJSON{
			StepOrder:    s.StepOrder,
			Name:         s.Name,
			StepType:     s.StepType,
			ApproverType: s.ApproverType,
			ApproverRefs: s.ApproverRefs,
			MinApprovals: s.MinApprovals,
		})
	}
	return out
}

type ruleJSON struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	EntityType     string          `json:"entity_type"`
	Name           string          `json:"name"`
	WorkflowID     string          `json:"workflow_id"`
	Conditions     json.RawMessage `json:"conditions"`
	Priority       int             `json:"priority"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toRuleJSON(r *repository.ApprovalRule) ruleJSON {
	return ruleJSON{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		EntityType:     r.EntityType,
		Name:           r.Name,
		WorkflowID:     r.WorkflowID,
		Conditions:     r.Conditions,
		Priority:       r.Priority,
		IsActive:       r.IsActive,
		CreatedAt:      r.CreatedAt,
	}
}

type jobJSON struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	OrganizationID  *string         `json:"organization_id,omitempty"`
	Type            string          `json:"type"`
	Priority        string          `json:"priority"`
	Status          string          `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxRetries      int             `json:"max_retries"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	EnqueuedAt      *time.Time      `json:"enqueued_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	TriggerRef      *string         `json:"trigger_ref,omitempty"`
	RetryOf         *string         `json:"retry_of,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toJobJSON(j *repository.JobEntry) jobJSON {
	return jobJSON{
		ID:              j.ID,
		Queue:           j.Queue,
		OrganizationID:  j.OrganizationID,
		Type:            j.Type,
		Priority:        j.Priority,
		Status:          j.Status,
		Payload:         j.Payload,
		Result:          j.Result,
		Error:           j.Error,
		Attempts:        j.Attempts,
		MaxRetries:      j.MaxRetries,
		ScheduledFor:    j.ScheduledFor,
		EnqueuedAt:      j.EnqueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CancelRequested: j.CancelRequested,
		TriggerRef:      j.TriggerRef,
		RetryOf:         j.RetryOf,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

type addJobJSON struct {
	BrokerJobID string `json:"broker_job_id"`
	LedgerJobID string `json:"ledger_job_id"`
	Enqueued    bool   `json:"enqueued"`
}

func toAddJobJSON(r *service.AddJobResult) addJobJSON {
	return addJobJSON{BrokerJobID: r.BrokerJobID, LedgerJobID: r.LedgerJobID, Enqueued: r.Enqueued}
}

type integrationAuditJSON struct {
	ID              string          `json:"id"`
	Integration     string          `json:"integration"`
	Operation       string          `json:"operation"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty"`
	ParentID        *string         `json:"parent_id,omitempty"`
	Attempt         int             `json:"attempt"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Status          string          `json:"status"`
	BreakerState    string          `json:"breaker_state"`
	StartedAt       time.Time       `json:"started_at"`
	DurationMS      int64           `json:"duration_ms"`
}

func toIntegrationAuditJSON(e *repository.IntegrationAuditEntry) integrationAuditJSON {
	return integrationAuditJSON{
		ID:              e.ID,
		Integration:     e.Integration,
		Operation:       e.Operation,
		IdempotencyKey:  e.IdempotencyKey,
		ParentID:        e.ParentID,
		Attempt:         e.Attempt,
		RequestPayload:  e.RequestPayload,
		ResponsePayload: e.ResponsePayload,
		Error:           e.Error,
		Status:          e.Status,
		BreakerState:    e.BreakerState,
		StartedAt:       e.StartedAt,
		DurationMS:      e.DurationMS,
	}
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
