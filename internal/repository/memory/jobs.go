package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ── job ledger ───────────────────────────────────────────────────────────────

type jobRepo struct{ base }

func (r *jobRepo) Create(_ context.Context, job *repository.JobEntry) error {
	defer r.lock()()
	now := r.tick()
	job.ID = newID()
	job.CreatedAt, job.UpdatedAt = now, now
	r.state().jobs[job.ID] = copyJob(job)
	return nil
}

func (r *jobRepo) GetByID(_ context.Context, id string) (*repository.JobEntry, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return copyJob(job), nil
}

func (r *jobRepo) List(_ context.Context, f repository.JobFilter) ([]*repository.JobEntry, error) {
	defer r.lock()()
	jobs := r.filter(func(j *repository.JobEntry) bool {
		switch {
		case f.Queue != "" && j.Queue != f.Queue,
			f.Status != "" && j.Status != f.Status,
			f.OrganizationID != "" && (j.OrganizationID == nil || *j.OrganizationID != f.OrganizationID),
			f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter),
			f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore):
			return false
		}
		return true
	})
	slices.Reverse(jobs)
	return page(jobs, f.Offset, f.Limit), nil
}

func (r *jobRepo) MarkEnqueued(_ context.Context, id string, at time.Time) error {
	defer r.lock()()
	if job, ok := r.state().jobs[id]; ok && job.Status == repository.JobStatusPending {
		job.EnqueuedAt = ptr(at)
		job.UpdatedAt = at
	}
	return nil
}

func (r *jobRepo) MarkRunning(_ context.Context, id string, at time.Time) (*repository.JobEntry, bool, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok || job.Status != repository.JobStatusPending || job.CancelRequested || job.Attempts > job.MaxRetries {
		return nil, false, nil
	}
	job.Status = repository.JobStatusRunning
	job.Attempts++
	job.StartedAt = ptr(at)
	job.UpdatedAt = at
	return copyJob(job), true, nil
}

func (r *jobRepo) MarkCompleted(_ context.Context, id string, result json.RawMessage, at time.Time) error {
	defer r.lock()()
	job, err := r.running(id)
	if err != nil {
		return err
	}
	job.Status = repository.JobStatusCompleted
	job.Result = slices.Clone(result)
	job.Error = nil
	job.CompletedAt = ptr(at)
	job.UpdatedAt = at
	return nil
}

func (r *jobRepo) MarkRetry(_ context.Context, id, errMsg string, runAt time.Time) error {
	defer r.lock()()
	job, err := r.running(id)
	if err != nil {
		return err
	}
	job.Status = repository.JobStatusPending
	job.Error = ptr(errMsg)
	job.ScheduledFor = ptr(runAt)
	job.EnqueuedAt = nil
	job.UpdatedAt = r.s.now()
	return nil
}

func (r *jobRepo) MarkFailed(_ context.Context, id, errMsg string, at time.Time) (bool, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok || job.Status != repository.JobStatusRunning {
		return false, nil
	}
	job.Status = repository.JobStatusFailed
	job.Error = ptr(errMsg)
	job.CompletedAt = ptr(at)
	job.UpdatedAt = at
	return true, nil
}

func (r *jobRepo) MarkCancelled(_ context.Context, id, errMsg string, at time.Time) (bool, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok || job.Status != repository.JobStatusRunning {
		return false, nil
	}
	job.Status = repository.JobStatusCancelled
	job.Error = ptr(errMsg)
	job.CompletedAt = ptr(at)
	job.UpdatedAt = at
	return true, nil
}

func (r *jobRepo) Cancel(_ context.Context, id string, at time.Time) (*repository.JobEntry, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	switch job.Status {
	case repository.JobStatusPending:
		job.Status = repository.JobStatusCancelled
		job.CompletedAt = ptr(at)
	case repository.JobStatusRunning:
	default:
		return nil, errors.Conflict(fmt.Sprintf("job is already %s", job.Status))
	}
	job.CancelRequested = true
	job.UpdatedAt = at
	return copyJob(job), nil
}

func (r *jobRepo) IsCancelRequested(_ context.Context, id string) (bool, error) {
	defer r.lock()()
	job, ok := r.state().jobs[id]
	if !ok {
		return false, errors.NotFound("job", id)
	}
	return job.CancelRequested, nil
}

func (r *jobRepo) ListStalePending(_ context.Context, olderThan, dueBefore time.Time, limit int) ([]*repository.JobEntry, error) {
	defer r.lock()()
	jobs := r.filter(func(j *repository.JobEntry) bool {
		return j.Status == repository.JobStatusPending &&
			!j.CancelRequested &&
			j.UpdatedAt.Before(olderThan) &&
			(j.ScheduledFor == nil || !j.ScheduledFor.After(dueBefore))
	})
	return page(jobs, 0, limit), nil
}

func (r *jobRepo) ListStaleRunning(_ context.Context, startedBefore time.Time, limit int) ([]*repository.JobEntry, error) {
	defer r.lock()()
	jobs := r.filter(func(j *repository.JobEntry) bool {
		return j.Status == repository.JobStatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore)
	})
	return page(jobs, 0, limit), nil
}

func (r *jobRepo) ReleaseRunning(_ context.Context, id string, at time.Time) error {
	defer r.lock()()
	job, err := r.running(id)
	if err != nil {
		return err
	}
	job.Status = repository.JobStatusPending
	job.Attempts = max(job.Attempts-1, 0)
	job.EnqueuedAt = nil
	job.UpdatedAt = at
	return nil
}

func (r *jobRepo) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	defer r.lock()()
	st := r.state()
	referenced := map[string]bool{}
	for _, j := range st.jobs {
		if j.RetryOf != nil {
			referenced[*j.RetryOf] = true
		}
	}
	var n int64
	for id, j := range st.jobs {
		if (j.Status == repository.JobStatusCompleted || j.Status == repository.JobStatusCancelled) &&
			j.CompletedAt != nil && j.CompletedAt.Before(before) && !referenced[id] {
			delete(st.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *jobRepo) running(id string) (*repository.JobEntry, error) {
	job, ok := r.state().jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	if job.Status != repository.JobStatusRunning {
		return nil, errors.Conflict("job is not running")
	}
	return job, nil
}

// filter returns copies ordered oldest first.
func (r *jobRepo) filter(keep func(*repository.JobEntry) bool) []*repository.JobEntry {
	var out []*repository.JobEntry
	for _, j := range r.state().jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *repository.JobEntry) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ── idempotency ──────────────────────────────────────────────────────────────

type idempotencyRepo struct{ base }

func (r *idempotencyRepo) Insert(_ context.Context, rec *repository.IdempotencyRecord) (bool, error) {
	defer r.lock()()
	key := idemKey{rec.Integration, rec.Key}
	if _, ok := r.state().idempotency[key]; ok {
		return false, nil
	}
	now := r.tick()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	r.state().idempotency[key] = &cp
	return true, nil
}

func (r *idempotencyRepo) Get(_ context.Context, integration, key string) (*repository.IdempotencyRecord, error) {
	defer r.lock()()
	return r.get(integration, key)
}

func (r *idempotencyRepo) GetForUpdate(_ context.Context, integration, key string) (*repository.IdempotencyRecord, error) {
	defer r.lock()()
	return r.get(integration, key)
}

func (r *idempotencyRepo) get(integration, key string) (*repository.IdempotencyRecord, error) {
	rec, ok := r.state().idempotency[idemKey{integration, key}]
	if !ok {
		return nil, errors.NotFound("idempotency_key", key)
	}
	cp := *rec
	cp.Response = slices.Clone(rec.Response)
	return &cp, nil
}

func (r *idempotencyRepo) Claim(_ context.Context, integration, key string, lockedUntil, at time.Time) error {
	defer r.lock()()
	rec, ok := r.state().idempotency[idemKey{integration, key}]
	if !ok {
		return errors.NotFound("idempotency_key", key)
	}
	if rec.Status == repository.IdempotencyCompleted {
		return errors.Conflict("idempotency key already completed")
	}
	rec.Status = repository.IdempotencyRunning
	rec.LockedUntil = ptr(lockedUntil)
	rec.Attempts++
	rec.Error = nil
	rec.UpdatedAt = at
	return nil
}

func (r *idempotencyRepo) Complete(_ context.Context, integration, key string, response json.RawMessage, at time.Time) error {
	defer r.lock()()
	rec, ok := r.state().idempotency[idemKey{integration, key}]
	if !ok {
		return nil
	}
	rec.Status = repository.IdempotencyCompleted
	rec.Response = slices.Clone(response)
	rec.Error = nil
	rec.LockedUntil = nil
	rec.CompletedAt = ptr(at)
	rec.UpdatedAt = at
	return nil
}

func (r *idempotencyRepo) Fail(_ context.Context, integration, key, errMsg string, at time.Time) error {
	defer r.lock()()
	rec, ok := r.state().idempotency[idemKey{integration, key}]
	if !ok || rec.Status == repository.IdempotencyCompleted {
		return nil
	}
	rec.Status = repository.IdempotencyFailed
	rec.Error = ptr(errMsg)
	rec.LockedUntil = nil
	rec.UpdatedAt = at
	return nil
}

// ── integration audit ────────────────────────────────────────────────────────

type integrationAuditRepo struct{ base }

func (r *integrationAuditRepo) Append(_ context.Context, e *repository.IntegrationAuditEntry) error {
	defer r.lock()()
	e.ID = newID()
	cp := *e
	st := r.state()
	st.integrations = append(st.integrations, &cp)
	return nil
}

func (r *integrationAuditRepo) List(_ context.Context, f repository.IntegrationAuditFilter) ([]*repository.IntegrationAuditEntry, error) {
	defer r.lock()()
	var out []*repository.IntegrationAuditEntry
	entries := r.state().integrations
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if f.Integration != "" && e.Integration != f.Integration {
			continue
		}
		if f.IdempotencyKey != "" && (e.IdempotencyKey == nil || *e.IdempotencyKey != f.IdempotencyKey) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, 0, f.Limit), nil
}
