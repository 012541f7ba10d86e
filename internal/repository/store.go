package repository

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the unit of work over every table the service owns. Reads that need
// no atomicity go through Repos(); multi-row mutations run inside InTransaction
// and see a Repositories bound to that transaction.
type Store interface {
	Repos() *Repositories
	InTransaction(ctx context.Context, fn func(ctx context.Context, repos *Repositories) error) error
	Ping(ctx context.Context) error
	Close()
}

// Repositories groups the per-table repositories bound to one connection scope.
type Repositories struct {
	Rules            RuleRepository
	Workflows        WorkflowRepository
	Requests         RequestRepository
	Steps            StepRepository
	Audit            AuditRepository
	Members          MembershipRepository
	Jobs             JobRepository
	Idempotency      IdempotencyRepository
	IntegrationAudit IntegrationAuditRepository
}

type RuleRepository interface {
	Create(ctx context.Context, rule *ApprovalRule) error
	GetByID(ctx context.Context, orgID, id string) (*ApprovalRule, error)
	// ListActive returns active rules ordered by priority, then creation time.
	ListActive(ctx context.Context, orgID, entityType string) ([]*ApprovalRule, error)
	List(ctx context.Context, orgID string, activeOnly bool) ([]*ApprovalRule, error)
	SetActive(ctx context.Context, orgID, id string, active bool) error
	RepointWorkflow(ctx context.Context, orgID, fromWorkflowID, toWorkflowID string) (int64, error)
}

type WorkflowRepository interface {
	// Create inserts the workflow and its step definitions.
	Create(ctx context.Context, wf *Workflow) error
	// GetByID returns the workflow with steps ordered by step order.
	GetByID(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context, orgID, entityType string, activeOnly bool) ([]*Workflow, error)
	Deactivate(ctx context.Context, id string) error
	IsReferenced(ctx context.Context, id string) (bool, error)
}

type RequestRepository interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetForUpdate locks the request row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error)
	UpdateStatus(ctx context.Context, id, status string, completedBy *string, completedAt *time.Time) error
	AdvanceStep(ctx context.Context, id string, nextOrder int) error
	List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error)
}

type StepRepository interface {
	CreateBatch(ctx context.Context, steps []*ApprovalStep) error
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error)
	ListByOrder(ctx context.Context, requestID string, order int) ([]*ApprovalStep, error)
	// FindActionable returns the pending step userID may act on: the delegate
	// when the step is delegated, the approver otherwise.
	FindActionable(ctx context.Context, requestID, userID string) (*ApprovalStep, error)
	// UpdateAction resolves a pending step. Conflict when it is no longer pending.
	UpdateAction(ctx context.Context, id, status, actedBy string, comments *string, at time.Time) error
	Delegate(ctx context.Context, id, delegateTo string, hops int, at time.Time) error
	// ResolvePending moves every still pending step at order to status.
	ResolvePending(ctx context.Context, requestID string, order int, status string, at time.Time) (int64, error)
	ListPendingForUser(ctx context.Context, orgID, userID string) ([]*ApprovalStep, error)
}

type AuditRepository interface {
	Append(ctx context.Context, entry *ApprovalAuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalAuditEntry, error)
}

type MembershipRepository interface {
	Get(ctx context.Context, orgID, userID string) (*Membership, error)
	ListByRole(ctx context.Context, orgID, role string) ([]string, error)
	ListByTeam(ctx context.Context, orgID, team string) ([]string, error)
	Upsert(ctx context.Context, m *Membership) error
}

type JobRepository interface {
	Create(ctx context.Context, job *JobEntry) error
	GetByID(ctx context.Context, id string) (*JobEntry, error)
	List(ctx context.Context, filter JobFilter) ([]*JobEntry, error)
	MarkEnqueued(ctx context.Context, id string, at time.Time) error
	// MarkRunning claims a pending entry, incrementing attempts. ok is false
	// when the entry was not pending, so at most one worker holds it.
	MarkRunning(ctx context.Context, id string, at time.Time) (job *JobEntry, ok bool, err error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	// MarkRetry returns a running entry to pending, due at runAt.
	MarkRetry(ctx context.Context, id, errMsg string, runAt time.Time) error
	// MarkFailed moves a running entry to failed. ok is false when it was not running.
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (ok bool, err error)
	// MarkCancelled moves a running entry whose handler gave up after a
	// cancellation request to cancelled.
	MarkCancelled(ctx context.Context, id, errMsg string, at time.Time) (ok bool, err error)
	// Cancel cancels a pending entry or flags a running one. Returns the entry after the change.
	Cancel(ctx context.Context, id string, at time.Time) (*JobEntry, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	// ListStalePending returns pending entries due before dueBefore that were last touched before olderThan.
	ListStalePending(ctx context.Context, olderThan, dueBefore time.Time, limit int) ([]*JobEntry, error)
	ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]*JobEntry, error)
	// ReleaseRunning returns a running entry to pending without consuming the attempt.
	ReleaseRunning(ctx context.Context, id string, at time.Time) error
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type IdempotencyRepository interface {
	// Insert creates the record. inserted is false when the key already exists.
	Insert(ctx context.Context, rec *IdempotencyRecord) (inserted bool, err error)
	Get(ctx context.Context, integration, key string) (*IdempotencyRecord, error)
	GetForUpdate(ctx context.Context, integration, key string) (*IdempotencyRecord, error)
	// Claim marks an existing record running under a fresh lease.
	Claim(ctx context.Context, integration, key string, lockedUntil, at time.Time) error
	Complete(ctx context.Context, integration, key string, response json.RawMessage, at time.Time) error
	Fail(ctx context.Context, integration, key, errMsg string, at time.Time) error
}

type IntegrationAuditRepository interface {
	Append(ctx context.Context, entry *IntegrationAuditEntry) error
	List(ctx context.Context, filter IntegrationAuditFilter) ([]*IntegrationAuditEntry, error)
}
