package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApprovalStepsRepository handles approval step instances.
type ApprovalStepsRepository struct {
	db database.Querier
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db database.Querier) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	s.id, s.request_id, s.organization_id, s.workflow_step_id,
	s.step_order, s.step_type, s.approver_id,
	s.delegated_to, s.delegated_at, s.delegation_hops,
	s.status, s.comments, s.acted_by, s.acted_at,
	s.created_at, s.updated_at`

// CreateBatch inserts the steps for one step order.
func (r *ApprovalStepsRepository) CreateBatch(ctx context.Context, steps []*ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (request_id, organization_id, workflow_step_id,
		     step_order, step_type, approver_id, status)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	for _, step := range steps {
		err := r.db.QueryRow(ctx, query,
			step.RequestID,
			step.OrganizationID,
			step.WorkflowStepID,
			step.StepOrder,
			step.StepType,
			step.ApproverID,
			step.Status,
		).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
		}
	}
	return nil
}

// ListByRequest returns all steps for a request ordered by step order.
func (r *ApprovalStepsRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `SELECT` + stepColumns + `
		FROM approval_steps s
		WHERE s.request_id = $1
		ORDER BY s.step_order ASC, s.created_at ASC, s.approver_id ASC
	`
	return r.list(ctx, query, requestID)
}

// ListByOrder returns the steps at one step order of a request.
func (r *ApprovalStepsRepository) ListByOrder(ctx context.Context, requestID string, order int) ([]*ApprovalStep, error) {
	query := `SELECT` + stepColumns + `
		FROM approval_steps s
		WHERE s.request_id = $1 AND s.step_order = $2
		ORDER BY s.created_at ASC, s.approver_id ASC
	`
	return r.list(ctx, query, requestID, order)
}

// FindActionable returns the pending step at the request's current order that
// userID may act on. A delegated step belongs to the delegate only.
func (r *ApprovalStepsRepository) FindActionable(ctx context.Context, requestID, userID string) (*ApprovalStep, error) {
	query := `SELECT` + stepColumns + `
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		WHERE s.request_id = $1
		  AND s.status = 'pending'
		  AND s.step_order = q.current_step_order
		  AND COALESCE(s.delegated_to, s.approver_id) = $2
		ORDER BY s.created_at ASC
		LIMIT 1
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, requestID, userID))
	if isNoRows(err) {
		return nil, errors.NotFound("pending approval step for user", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find approval step")
	}
	return step, nil
}

// UpdateAction records the outcome of an approval action on a pending step.
func (r *ApprovalStepsRepository) UpdateAction(ctx context.Context, id, status, actedBy string, comments *string, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET status     = $2,
		    acted_by   = $3,
		    comments   = COALESCE($4, comments),
		    acted_at   = $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, status, actedBy, comments, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approval step already decided")
	}
	return nil
}

// Delegate reassigns a pending step without resolving it.
func (r *ApprovalStepsRepository) Delegate(ctx context.Context, id, delegateTo string, hops int, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET delegated_to    = $2,
		    delegated_at    = $3,
		    delegation_hops = $4,
		    updated_at      = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, delegateTo, at, hops)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delegate approval step")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approval step already decided")
	}
	return nil
}

// ResolvePending closes every still pending step at one order of a request.
func (r *ApprovalStepsRepository) ResolvePending(ctx context.Context, requestID string, order int, status string, at time.Time) (int64, error) {
	query := `
		UPDATE approval_steps
		SET status     = $3,
		    acted_at   = $4,
		    updated_at = NOW()
		WHERE request_id = $1 AND step_order = $2 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, requestID, order, status, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve pending steps")
	}
	return tag.RowsAffected(), nil
}

// ListPendingForUser returns the steps awaiting userID's decision, including
// steps delegated to them.
func (r *ApprovalStepsRepository) ListPendingForUser(ctx context.Context, orgID, userID string) ([]*ApprovalStep, error) {
	query := `SELECT` + stepColumns + `
		FROM approval_steps s
		JOIN approval_requests q ON q.id = s.request_id
		WHERE s.organization_id = $1
		  AND s.status = 'pending'
		  AND q.status = 'pending'
		  AND COALESCE(s.delegated_to, s.approver_id) = $2
		ORDER BY s.created_at ASC
	`
	return r.list(ctx, query, orgID, userID)
}

func (r *ApprovalStepsRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalStep, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	return steps, nil
}

func (r *ApprovalStepsRepository) scanStep(row rowScanner) (*ApprovalStep, error) {
	step := &ApprovalStep{}
	err := row.Scan(
		&step.ID,
		&step.RequestID,
		&step.OrganizationID,
		&step.WorkflowStepID,
		&step.StepOrder,
		&step.StepType,
		&step.ApproverID,
		&step.DelegatedTo,
		&step.DelegatedAt,
		&step.DelegationHops,
		&step.Status,
		&step.Comments,
		&step.ActedBy,
		&step.ActedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return step, nil
}
