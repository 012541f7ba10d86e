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

// JobLedgerRepository is the durable record of every job. Status transitions
// are conditional updates so a concurrent writer can never move an entry out
// of a state it has already left.
type JobLedgerRepository struct {
	db database.Querier
}

// NewJobLedgerRepository creates a new JobLedgerRepository.
func NewJobLedgerRepository(db database.Querier) *JobLedgerRepository {
	return &JobLedgerRepository{db: db}
}

const jobColumns = `
	id, queue, organization_id, job_type, priority, status,
	payload, result, error, attempts, max_retries,
	scheduled_for, enqueued_at, started_at, completed_at,
	cancel_requested, trigger_ref, retry_of, created_at, updated_at`

// Create inserts a pending ledger entry.
func (r *JobLedgerRepository) Create(ctx context.Context, job *JobEntry) error {
	query := `
		INSERT INTO job_ledger
		    (queue, organization_id, job_type, priority, status,
		     payload, attempts, max_retries, scheduled_for,
		     trigger_ref, retry_of)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		job.Queue,
		job.OrganizationID,
		job.Type,
		job.Priority,
		job.Status,
		[]byte(job.Payload),
		job.Attempts,
		job.MaxRetries,
		job.ScheduledFor,
		job.TriggerRef,
		job.RetryOf,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create job ledger entry")
	}
	return nil
}

// GetByID retrieves a ledger entry.
func (r *JobLedgerRepository) GetByID(ctx context.Context, id string) (*JobEntry, error) {
	job, err := r.scanJob(r.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM job_ledger WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get job")
	}
	return job, nil
}

// List returns entries matching filter, newest first.
func (r *JobLedgerRepository) List(ctx context.Context, filter JobFilter) ([]*JobEntry, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Queue != "" {
		add("queue = $%d", filter.Queue)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at < $%d", *filter.CreatedBefore)
	}

	query := `SELECT` + jobColumns + `
		FROM job_ledger
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC
		LIMIT ` + fmt.Sprint(limitOrDefault(filter.Limit)) + ` OFFSET ` + fmt.Sprint(max(filter.Offset, 0))

	return r.list(ctx, query, args...)
}

// MarkEnqueued stamps the moment the broker accepted the entry.
func (r *JobLedgerRepository) MarkEnqueued(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_ledger SET enqueued_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark job enqueued")
	}
	return nil
}

// MarkRunning claims a pending entry for one worker.
func (r *JobLedgerRepository) MarkRunning(ctx context.Context, id string, at time.Time) (*JobEntry, bool, error) {
	query := `
		UPDATE job_ledger
		SET status     = 'running',
		    attempts   = attempts + 1,
		    started_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT cancel_requested
		  AND attempts <= max_retries
		RETURNING` + jobColumns

	job, err := r.scanJob(r.db.QueryRow(ctx, query, id, at))
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim job")
	}
	return job, true, nil
}

// MarkCompleted stores the result of a running entry.
func (r *JobLedgerRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_ledger
		SET status       = 'completed',
		    result       = $2,
		    error        = NULL,
		    completed_at = $3,
		    updated_at   = $3
		WHERE id = $1 AND status = 'running'
	`, id, []byte(result), at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("job is not running")
	}
	return nil
}

// MarkRetry schedules another attempt of a running entry.
func (r *JobLedgerRepository) MarkRetry(ctx context.Context, id, errMsg string, runAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_ledger
		SET status        = 'pending',
		    error         = $2,
		    scheduled_for = $3,
		    enqueued_at   = NULL,
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, runAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to schedule job retry")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("job is not running")
	}
	return nil
}

// MarkFailed records terminal failure of a running entry.
func (r *JobLedgerRepository) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_ledger
		SET status       = 'failed',
		    error        = $2,
		    completed_at = $3,
		    updated_at   = $3
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark job failed")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled finishes a running entry whose handler stopped after a
// cancellation request.
func (r *JobLedgerRepository) MarkCancelled(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_ledger
		SET status       = 'cancelled',
		    error        = $2,
		    completed_at = $3,
		    updated_at   = $3
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark job cancelled")
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel cancels a pending entry outright and flags a running one so its
// handler can stop cooperatively.
func (r *JobLedgerRepository) Cancel(ctx context.Context, id string, at time.Time) (*JobEntry, error) {
	query := `
		UPDATE job_ledger
		SET status           = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		    completed_at     = CASE WHEN status = 'pending' THEN $2 ELSE completed_at END,
		    cancel_requested = TRUE,
		    updated_at       = $2
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING` + jobColumns

	job, err := r.scanJob(r.db.QueryRow(ctx, query, id, at))
	if isNoRows(err) {
		existing, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.Conflict(fmt.Sprintf("job is already %s", existing.Status))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel job")
	}
	return job, nil
}

// IsCancelRequested reports whether cancellation was requested for the entry.
func (r *JobLedgerRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRow(ctx, `SELECT cancel_requested FROM job_ledger WHERE id = $1`, id).Scan(&requested)
	if isNoRows(err) {
		return false, errors.NotFound("job", id)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to read job cancellation")
	}
	return requested, nil
}

// ListStalePending returns due pending entries untouched since olderThan.
func (r *JobLedgerRepository) ListStalePending(ctx context.Context, olderThan, dueBefore time.Time, limit int) ([]*JobEntry, error) {
	query := `SELECT` + jobColumns + `
		FROM job_ledger
		WHERE status = 'pending'
		  AND NOT cancel_requested
		  AND updated_at < $1
		  AND (scheduled_for IS NULL OR scheduled_for <= $2)
		ORDER BY created_at ASC
		LIMIT $3
	`
	return r.list(ctx, query, olderThan, dueBefore, limitOrDefault(limit))
}

// ListStaleRunning returns running entries started before startedBefore.
func (r *JobLedgerRepository) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]*JobEntry, error) {
	query := `SELECT` + jobColumns + `
		FROM job_ledger
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, startedBefore, limitOrDefault(limit))
}

// ReleaseRunning hands a running entry back to the queue, giving back the
// attempt it consumed. Used for workers that died mid-flight.
func (r *JobLedgerRepository) ReleaseRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_ledger
		SET status      = 'pending',
		    attempts    = GREATEST(attempts - 1, 0),
		    enqueued_at = NULL,
		    updated_at  = $2
		WHERE id = $1 AND status = 'running'
	`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("job is not running")
	}
	return nil
}

// PurgeFinished deletes completed and cancelled entries finished before before.
// Failed entries stay for operator review.
func (r *JobLedgerRepository) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM job_ledger
		WHERE status IN ('completed', 'cancelled')
		  AND completed_at < $1
		  AND NOT EXISTS (SELECT 1 FROM job_ledger r WHERE r.retry_of = job_ledger.id)
	`, before)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge jobs")
	}
	return tag.RowsAffected(), nil
}

func (r *JobLedgerRepository) list(ctx context.Context, query string, args ...any) ([]*JobEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*JobEntry
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list jobs")
	}
	return jobs, nil
}

func (r *JobLedgerRepository) scanJob(row rowScanner) (*JobEntry, error) {
	job := &JobEntry{}
	var payload, result []byte

	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.OrganizationID,
		&job.Type,
		&job.Priority,
		&job.Status,
		&payload,
		&result,
		&job.Error,
		&job.Attempts,
		&job.MaxRetries,
		&job.ScheduledFor,
		&job.EnqueuedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CancelRequested,
		&job.TriggerRef,
		&job.RetryOf,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.Result = result
	return job, nil
}
