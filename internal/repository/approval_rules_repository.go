package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApprovalRulesRepository handles CRUD for approval_rules.
type ApprovalRulesRepository struct {
	db database.Querier
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db database.Querier) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	id, organization_id, entity_type, name, workflow_id,
	conditions, priority, is_active, created_at, updated_at`

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	query := `
		INSERT INTO approval_rules
		    (organization_id, entity_type, name, workflow_id,
		     conditions, priority, is_active)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.OrganizationID,
		rule.EntityType,
		rule.Name,
		rule.WorkflowID,
		[]byte(rule.Conditions),
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key within an organization.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, orgID, id string) (*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE id = $1 AND organization_id = $2
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id, orgID))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	return rule, nil
}

// ListActive returns the rules that take part in workflow selection for an
// entity type, in evaluation order.
func (r *ApprovalRulesRepository) ListActive(ctx context.Context, orgID, entityType string) ([]*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE organization_id = $1
		  AND entity_type = $2
		  AND is_active = TRUE
		ORDER BY priority ASC, created_at ASC, id ASC
	`
	return r.list(ctx, query, orgID, entityType)
}

// List returns all rules for an organization, optionally filtered to active only.
func (r *ApprovalRulesRepository) List(ctx context.Context, orgID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE organization_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY entity_type ASC, priority ASC, created_at ASC"

	return r.list(ctx, query, orgID)
}

// SetActive toggles whether a rule takes part in matching.
func (r *ApprovalRulesRepository) SetActive(ctx context.Context, orgID, id string, active bool) error {
	query := `
		UPDATE approval_rules
		SET is_active  = $3,
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`

	tag, err := r.db.Exec(ctx, query, id, orgID, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// RepointWorkflow moves every rule selecting one workflow version to another.
func (r *ApprovalRulesRepository) RepointWorkflow(ctx context.Context, orgID, fromWorkflowID, toWorkflowID string) (int64, error) {
	query := `
		UPDATE approval_rules
		SET workflow_id = $3,
		    updated_at  = NOW()
		WHERE organization_id = $1 AND workflow_id = $2
	`

	tag, err := r.db.Exec(ctx, query, orgID, fromWorkflowID, toWorkflowID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to repoint approval rules")
	}
	return tag.RowsAffected(), nil
}

func (r *ApprovalRulesRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalRule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	return rules, nil
}

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var conditions []byte

	err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&rule.EntityType,
		&rule.Name,
		&rule.WorkflowID,
		&conditions,
		&rule.Priority,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Conditions = conditions
	return rule, nil
}
