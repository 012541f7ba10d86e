package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

func newJobService(t *testing.T) (*JobService, *memory.Store, *queue.MemoryBroker, *fakeNotifier) {
	t.Helper()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	n := &fakeNotifier{}
	return NewJobService(store, broker, n, nil, 3, logger.Nop()), store, broker, n
}

func TestAddJobWritesLedgerThenBroker(t *testing.T) {
	svc, _, broker, _ := newJobService(t)
	ctx := context.Background()

	res, err := svc.AddJob(ctx, "erp-sync", json.RawMessage(`{"entity_id":"inv-1"}`), JobOptions{
		Priority:       repository.PriorityHigh,
		OrganizationID: testOrg,
	})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.Equal(t, res.LedgerJobID, res.BrokerJobID)

	job, err := svc.GetJob(ctx, res.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, repository.JobTypeImmediate, job.Type)
	assert.NotNil(t, job.EnqueuedAt)
	require.NotNil(t, job.OrganizationID)
	assert.Equal(t, testOrg, *job.OrganizationID)

	has, err := broker.Has(ctx, "erp-sync", res.LedgerJobID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAddJobValidation(t *testing.T) {
	svc, store, _, _ := newJobService(t)
	ctx := context.Background()
	tooMany := 26

	tests := []struct {
		name    string
		queue   string
		payload string
		opts    JobOptions
		field   string
	}{
		{"missing queue", " ", `{}`, JobOptions{}, "queue"},
		{"invalid payload", "q", `{nope`, JobOptions{}, "payload"},
		{"unknown priority", "q", `{}`, JobOptions{Priority: "urgent"}, "priority"},
		{"too many retries", "q", `{}`, JobOptions{MaxRetries: &tooMany}, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddJob(ctx, tt.queue, json.RawMessage(tt.payload), tt.opts)
			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, errors.ErrCodeInvalidInput, e.Code)
			assert.Equal(t, tt.field, e.Field)
		})
	}

	jobs, err := store.Repos().Jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAddJobScheduledForLater(t *testing.T) {
	svc, _, broker, _ := newJobService(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	res, err := svc.AddJob(ctx, "reports", nil, JobOptions{RunAt: &runAt})
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, res.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobTypeScheduled, job.Type)
	assert.JSONEq(t, `{}`, string(job.Payload))
	require.NotNil(t, job.ScheduledFor)
	assert.True(t, job.ScheduledFor.Equal(runAt))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = broker.Dequeue(short, "reports")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAddJobKeepsLedgerEntryWhenBrokerFails(t *testing.T) {
	svc, _, broker, _ := newJobService(t)
	ctx := context.Background()
	require.NoError(t, broker.Close())

	res, err := svc.AddJob(ctx, "erp-sync", json.RawMessage(`{}`), JobOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	require.NotNil(t, res)
	assert.False(t, res.Enqueued)

	job, err := svc.GetJob(ctx, res.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusPending, job.Status)
	assert.Nil(t, job.EnqueuedAt)
}

func TestCancelJob(t *testing.T) {
	svc, store, broker, _ := newJobService(t)
	ctx := context.Background()

	pending, err := svc.AddJob(ctx, "erp-sync", nil, JobOptions{})
	require.NoError(t, err)

	job, err := svc.CancelJob(ctx, pending.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusCancelled, job.Status)
	has, err := broker.Has(ctx, "erp-sync", pending.LedgerJobID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = svc.CancelJob(ctx, pending.LedgerJobID)
	assert.True(t, errors.IsInvalidInput(err))

	running, err := svc.AddJob(ctx, "erp-sync", nil, JobOptions{})
	require.NoError(t, err)
	_, ok, err := store.Repos().Jobs.MarkRunning(ctx, running.LedgerJobID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	job, err = svc.CancelJob(ctx, running.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusRunning, job.Status)
	assert.True(t, job.CancelRequested)

	_, err = svc.CancelJob(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestRetryFailedCreatesLinkedEntry(t *testing.T) {
	svc, store, broker, n := newJobService(t)
	ctx := context.Background()
	jobs := store.Repos().Jobs

	res, err := svc.AddJob(ctx, "erp-sync", json.RawMessage(`{"n":1}`), JobOptions{Priority: repository.PriorityCritical})
	require.NoError(t, err)

	_, err = svc.RetryFailed(ctx, res.LedgerJobID)
	assert.True(t, errors.IsInvalidInput(err))

	_, _, err = jobs.MarkRunning(ctx, res.LedgerJobID, time.Now())
	require.NoError(t, err)
	ok, err := jobs.MarkFailed(ctx, res.LedgerJobID, "odoo down", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	retry, err := svc.RetryFailed(ctx, res.LedgerJobID)
	require.NoError(t, err)
	assert.NotEqual(t, res.LedgerJobID, retry.LedgerJobID)

	fresh, err := svc.GetJob(ctx, retry.LedgerJobID)
	require.NoError(t, err)
	require.NotNil(t, fresh.RetryOf)
	assert.Equal(t, res.LedgerJobID, *fresh.RetryOf)
	assert.Equal(t, repository.PriorityCritical, fresh.Priority)
	assert.Equal(t, 0, fresh.Attempts)
	assert.JSONEq(t, `{"n":1}`, string(fresh.Payload))

	old, err := svc.GetJob(ctx, res.LedgerJobID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusFailed, old.Status)

	has, err := broker.Has(ctx, "erp-sync", retry.LedgerJobID)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []string{EventJobRetryRequested + ":" + retry.LedgerJobID}, n.jobs)
}

func TestSyncTriggerEnqueuesForApprovedRequests(t *testing.T) {
	h := newHarness(t, 0)
	invoiceSetup(t, h)
	ctx := context.Background()

	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	jobs := NewJobService(h.store, broker, nil, nil, 5, logger.Nop())
	h.approvals.OnCompletion(NewSyncTrigger(jobs, "erp-sync", []string{"invoice"}, logger.Nop()))

	rejected := h.submit(t, "invoice", map[string]any{"amount": 50})
	_, err := h.approvals.Reject(ctx, rejected.RequestID, "d1", "")
	require.NoError(t, err)

	approved := h.submit(t, "invoice", map[string]any{"amount": 75, "vendor": "ACME"})
	_, err = h.approvals.Approve(ctx, approved.RequestID, "d3", "")
	require.NoError(t, err)

	entries, err := jobs.ListJobs(ctx, repository.JobFilter{Queue: "erp-sync"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	job := entries[0]
	require.NotNil(t, job.TriggerRef)
	assert.Equal(t, SyncTriggerRef(approved.RequestID), *job.TriggerRef)

	var payload SyncJobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, approved.RequestID, payload.RequestID)
	assert.Equal(t, "d3", payload.ApprovedBy)
	assert.Equal(t, "ACME", payload.EntityData["vendor"])
}

func TestSyncTriggerSkipsUnlistedEntityTypes(t *testing.T) {
	store := memory.New()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	jobs := NewJobService(store, broker, nil, nil, 5, logger.Nop())
	trigger := NewSyncTrigger(jobs, "erp-sync", []string{"invoice"}, logger.Nop())

	err := trigger.OnApprovalCompleted(context.Background(), CompletionEvent{
		Request: &repository.ApprovalRequest{ID: "r1", EntityType: "expense", Status: repository.RequestStatusApproved},
		Status:  repository.RequestStatusApproved,
	})
	require.NoError(t, err)

	entries, err := jobs.ListJobs(context.Background(), repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
