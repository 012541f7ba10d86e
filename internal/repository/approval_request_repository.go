package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ApprovalRequestRepository persists approval requests.
type ApprovalRequestRepository struct {
	db database.Querier
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db database.Querier) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const requestColumns = `
	id, organization_id, entity_type, entity_id, entity_data,
	workflow_id, rule_id, requested_by, status,
	current_step_order, total_steps,
	submitted_at, completed_at, completed_by,
	created_at, updated_at`

// Create inserts a pending request.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	data, err := json.Marshal(req.EntityData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal entity data")
	}

	query := `
		INSERT INTO approval_requests
		    (organization_id, entity_type, entity_id, entity_data,
		     workflow_id, rule_id, requested_by, status,
		     current_step_order, total_steps, submitted_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.OrganizationID,
		req.EntityType,
		req.EntityID,
		data,
		req.WorkflowID,
		req.RuleID,
		req.RequestedBy,
		req.Status,
		req.CurrentStepOrder,
		req.TotalSteps,
		req.SubmittedAt,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	return r.get(ctx, `SELECT`+requestColumns+` FROM approval_requests WHERE id = $1`, id)
}

// GetForUpdate retrieves a request and holds its row lock until the
// surrounding transaction ends. Concurrent approvals on the same request
// queue behind the lock, so quorum is always evaluated on committed state.
func (r *ApprovalRequestRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	return r.get(ctx, `SELECT`+requestColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r *ApprovalRequestRepository) get(ctx context.Context, query, id string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// UpdateStatus moves a pending request to status. Only pending requests change,
// so a request reaches a terminal state exactly once.
func (r *ApprovalRequestRepository) UpdateStatus(ctx context.Context, id, status string, completedBy *string, completedAt *time.Time) error {
	query := `
		UPDATE approval_requests
		SET status       = $2,
		    completed_by = $3,
		    completed_at = $4,
		    updated_at   = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, status, completedBy, completedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approval request already decided")
	}
	return nil
}

// AdvanceStep moves a pending request to its next step order.
func (r *ApprovalRequestRepository) AdvanceStep(ctx context.Context, id string, nextOrder int) error {
	query := `
		UPDATE approval_requests
		SET current_step_order = $2,
		    updated_at         = NOW()
		WHERE id = $1 AND status = 'pending' AND current_step_order < $2
	`

	tag, err := r.db.Exec(ctx, query, id, nextOrder)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approval request cannot advance")
	}
	return nil
}

// List returns requests matching filter, newest first.
func (r *ApprovalRequestRepository) List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	add("organization_id = $%d", filter.OrganizationID)
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.RequestedBy != "" {
		add("requested_by = $%d", filter.RequestedBy)
	}
	if filter.SubmittedAfter != nil {
		add("submitted_at >= $%d", *filter.SubmittedAfter)
	}
	if filter.SubmittedBefore != nil {
		add("submitted_at < $%d", *filter.SubmittedBefore)
	}

	query := `SELECT` + requestColumns + `
		FROM approval_requests
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY submitted_at DESC, id DESC
		LIMIT ` + fmt.Sprint(limitOrDefault(filter.Limit)) + ` OFFSET ` + fmt.Sprint(max(filter.Offset, 0))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	return requests, nil
}

func (r *ApprovalRequestRepository) scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var data []byte

	err := row.Scan(
		&req.ID,
		&req.OrganizationID,
		&req.EntityType,
		&req.EntityID,
		&data,
		&req.WorkflowID,
		&req.RuleID,
		&req.RequestedBy,
		&req.Status,
		&req.CurrentStepOrder,
		&req.TotalSteps,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.CompletedBy,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &req.EntityData); err != nil {
			return nil, fmt.Errorf("unmarshal entity data: %w", err)
		}
	}
	return req, nil
}
