package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// IdempotencyKeysRepository stores idempotency keys for external operations.
type IdempotencyKeysRepository struct {
	db database.Querier
}

// NewIdempotencyKeysRepository creates a new IdempotencyKeysRepository.
func NewIdempotencyKeysRepository(db database.Querier) *IdempotencyKeysRepository {
	return &IdempotencyKeysRepository{db: db}
}

const idempotencyColumns = `
	integration, key, operation, request_hash, status,
	response, error, locked_until, attempts,
	created_at, updated_at, completed_at`

// Insert creates the record unless the key already exists.
func (r *IdempotencyKeysRepository) Insert(ctx context.Context, rec *IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_keys
		    (integration, key, operation, request_hash, status, locked_until, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (integration, key) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.Integration,
		rec.Key,
		rec.Operation,
		rec.RequestHash,
		rec.Status,
		rec.LockedUntil,
		rec.Attempts,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert idempotency key")
	}
	return true, nil
}

// Get returns the record for a key.
func (r *IdempotencyKeysRepository) Get(ctx context.Context, integration, key string) (*IdempotencyRecord, error) {
	return r.get(ctx, `SELECT`+idempotencyColumns+`
		FROM idempotency_keys WHERE integration = $1 AND key = $2`, integration, key)
}

// GetForUpdate returns the record and locks it for the rest of the transaction.
func (r *IdempotencyKeysRepository) GetForUpdate(ctx context.Context, integration, key string) (*IdempotencyRecord, error) {
	return r.get(ctx, `SELECT`+idempotencyColumns+`
		FROM idempotency_keys WHERE integration = $1 AND key = $2 FOR UPDATE`, integration, key)
}

// Claim marks the record running under a new lease.
func (r *IdempotencyKeysRepository) Claim(ctx context.Context, integration, key string, lockedUntil, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status       = 'running',
		    locked_until = $3,
		    attempts     = attempts + 1,
		    error        = NULL,
		    updated_at   = $4
		WHERE integration = $1 AND key = $2 AND status <> 'completed'
	`, integration, key, lockedUntil, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to claim idempotency key")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("idempotency key already completed")
	}
	return nil
}

// Complete stores the terminal response of the operation.
func (r *IdempotencyKeysRepository) Complete(ctx context.Context, integration, key string, response json.RawMessage, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status       = 'completed',
		    response     = $3,
		    error        = NULL,
		    locked_until = NULL,
		    completed_at = $4,
		    updated_at   = $4
		WHERE integration = $1 AND key = $2
	`, integration, key, []byte(response), at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete idempotency key")
	}
	return nil
}

// Fail releases the key so a later attempt may re-execute the operation.
func (r *IdempotencyKeysRepository) Fail(ctx context.Context, integration, key, errMsg string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status       = 'failed',
		    error        = $3,
		    locked_until = NULL,
		    updated_at   = $4
		WHERE integration = $1 AND key = $2 AND status <> 'completed'
	`, integration, key, errMsg, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to fail idempotency key")
	}
	return nil
}

func (r *IdempotencyKeysRepository) get(ctx context.Context, query, integration, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	var response []byte

	err := r.db.QueryRow(ctx, query, integration, key).Scan(
		&rec.Integration,
		&rec.Key,
		&rec.Operation,
		&rec.RequestHash,
		&rec.Status,
		&response,
		&rec.Error,
		&rec.LockedUntil,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("idempotency_key", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get idempotency key")
	}
	rec.Response = response
	return rec, nil
}
