package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApprovalWorkflowRepository manages workflow definitions and their step definitions.
// Callers create a workflow inside Store.InTransaction so the workflow row and
// its steps land together.
type ApprovalWorkflowRepository struct {
	db database.Querier
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db database.Querier) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

// Create inserts a workflow and its step definitions.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	wfQuery := `
		INSERT INTO approval_workflows
		    (organization_id, name, description, entity_type,
		     version, previous_version_id, is_active, created_by)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, wfQuery,
		wf.OrganizationID,
		wf.Name,
		wf.Description,
		wf.EntityType,
		wf.Version,
		wf.PreviousVersionID,
		wf.IsActive,
		wf.CreatedBy,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}

	stepQuery := `
		INSERT INTO approval_workflow_steps
		    (workflow_id, step_order, name, step_type,
		     approver_type, approver_refs, min_approvals)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id, created_at
	`

	for _, step := range wf.Steps {
		step.WorkflowID = wf.ID

		err := r.db.QueryRow(ctx, stepQuery,
			step.WorkflowID,
			step.StepOrder,
			step.Name,
			step.StepType,
			step.ApproverType,
			step.ApproverRefs,
			step.MinApprovals,
		).Scan(&step.ID, &step.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
		}
	}

	return nil
}

// GetByID retrieves a workflow with its steps ordered by step order.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT id, organization_id, name, description, entity_type,
		       version, previous_version_id, is_active, created_by,
		       created_at, updated_at
		FROM approval_workflows
		WHERE id = $1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
	}

	if wf.Steps, err = r.getSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// List returns workflows for an organization, optionally for one entity type.
func (r *ApprovalWorkflowRepository) List(ctx context.Context, orgID, entityType string, activeOnly bool) ([]*Workflow, error) {
	query := `
		SELECT id, organization_id, name, description, entity_type,
		       version, previous_version_id, is_active, created_by,
		       created_at, updated_at
		FROM approval_workflows
		WHERE organization_id = $1
		  AND ($2 = '' OR entity_type = $2)
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY entity_type ASC, name ASC, version DESC"

	rows, err := r.db.Query(ctx, query, orgID, entityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}

	var workflows []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval workflow")
		}
		workflows = append(workflows, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}

	// Steps are loaded after the cursor is closed; a transaction connection
	// cannot run a second query while rows are open.
	for _, wf := range workflows {
		if wf.Steps, err = r.getSteps(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// Deactivate hides a workflow version from new rule assignments.
func (r *ApprovalWorkflowRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_workflows
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_workflow", id)
	}
	return nil
}

// IsReferenced reports whether any approval request points at the workflow.
func (r *ApprovalWorkflowRepository) IsReferenced(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE workflow_id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check workflow references")
	}
	return exists, nil
}

func (r *ApprovalWorkflowRepository) getSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, step_order, name, step_type,
		       approver_type, approver_refs, min_approvals, created_at
		FROM approval_workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step := &WorkflowStep{}
		err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.StepOrder,
			&step.Name,
			&step.StepType,
			&step.ApproverType,
			&step.ApproverRefs,
			&step.MinApprovals,
			&step.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	return steps, nil
}

func (r *ApprovalWorkflowRepository) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.OrganizationID,
		&wf.Name,
		&wf.Description,
		&wf.EntityType,
		&wf.Version,
		&wf.PreviousVersionID,
		&wf.IsActive,
		&wf.CreatedBy,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
