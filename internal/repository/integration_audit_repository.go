package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// IntegrationAuditLogRepository appends one row per external call attempt.
type IntegrationAuditLogRepository struct {
	db database.Querier
}

// NewIntegrationAuditLogRepository creates a new IntegrationAuditLogRepository.
func NewIntegrationAuditLogRepository(db database.Querier) *IntegrationAuditLogRepository {
	return &IntegrationAuditLogRepository{db: db}
}

// Append inserts one audit row.
func (r *IntegrationAuditLogRepository) Append(ctx context.Context, e *IntegrationAuditEntry) error {
	query := `
		INSERT INTO integration_audit_log
		    (integration, operation, idempotency_key, parent_id, attempt,
		     request_payload, response_payload, error, status, breaker_state,
		     started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		e.Integration,
		e.Operation,
		e.IdempotencyKey,
		e.ParentID,
		e.Attempt,
		nullableJSON(e.RequestPayload),
		nullableJSON(e.ResponsePayload),
		e.Error,
		e.Status,
		e.BreakerState,
		e.StartedAt,
		e.FinishedAt,
		e.DurationMS,
	).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append integration audit entry")
	}
	return nil
}

// List returns audit rows newest first.
func (r *IntegrationAuditLogRepository) List(ctx context.Context, filter IntegrationAuditFilter) ([]*IntegrationAuditEntry, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Integration != "" {
		add("integration = $%d", filter.Integration)
	}
	if filter.IdempotencyKey != "" {
		add("idempotency_key = $%d", filter.IdempotencyKey)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	query := `
		SELECT id, integration, operation, idempotency_key, parent_id, attempt,
		       request_payload, response_payload, error, status, breaker_state,
		       started_at, finished_at, duration_ms
		FROM integration_audit_log
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY started_at DESC
		LIMIT ` + fmt.Sprint(limitOrDefault(filter.Limit))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list integration audit")
	}
	defer rows.Close()

	var entries []*IntegrationAuditEntry
	for rows.Next() {
		e := &IntegrationAuditEntry{}
		var reqPayload, respPayload []byte
		err := rows.Scan(
			&e.ID,
			&e.Integration,
			&e.Operation,
			&e.IdempotencyKey,
			&e.ParentID,
			&e.Attempt,
			&reqPayload,
			&respPayload,
			&e.Error,
			&e.Status,
			&e.BreakerState,
			&e.StartedAt,
			&e.FinishedAt,
			&e.DurationMS,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan integration audit")
		}
		e.RequestPayload = reqPayload
		e.ResponsePayload = respPayload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list integration audit")
	}
	return entries, nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
