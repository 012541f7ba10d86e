package worker

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
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

func newLedgerEntry(t *testing.T, store *memory.Store, maxRetries int) *repository.JobEntry {
	t.Helper()
	job := &repository.JobEntry{
		Queue:      "erp-sync",
		Type:       repository.JobTypeImmediate,
		Priority:   repository.PriorityHigh,
		Status:     repository.JobStatusPending,
		Payload:    json.RawMessage(`{}`),
		MaxRetries: maxRetries,
	}
	require.NoError(t, store.Repos().Jobs.Create(context.Background(), job))
	return job
}

func newTestReconciler(store *memory.Store, broker queue.Broker, at time.Time) *Reconciler {
	r := NewReconciler(store, broker, ReconcilerConfig{
		GracePeriod:  30 * time.Second,
		StaleRunning: 10 * time.Minute,
		Retention:    24 * time.Hour,
	}, nil, logger.Nop())
	r.now = func() time.Time { return at }
	return r
}

func TestReconcileRequeuesPendingJobMissingFromBroker(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	lost := newLedgerEntry(t, store, 3)
	queued := newLedgerEntry(t, store, 3)
	require.NoError(t, broker.Enqueue(ctx, queue.TaskFor(queued)))

	r := newTestReconciler(store, broker, time.Now().Add(time.Minute))
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	has, err := broker.Has(ctx, "erp-sync", lost.ID)
	require.NoError(t, err)
	assert.True(t, has)
	n, err := broker.Len(ctx, "erp-sync")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Repos().Jobs.GetByID(ctx, lost.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EnqueuedAt)

	// A second sweep finds nothing to repair.
	report, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued)
}

func TestReconcileLeavesFreshPendingJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	newLedgerEntry(t, store, 3)

	r := newTestReconciler(store, broker, time.Now())
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Requeued)
}

func TestReconcileRecoversStaleRunningJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	jobs := store.Repos().Jobs

	startedAt := time.Now().Add(-time.Hour)
	retryable := newLedgerEntry(t, store, 2)
	exhausted := newLedgerEntry(t, store, 0)
	for _, id := range []string{retryable.ID, exhausted.ID} {
		_, ok, err := jobs.MarkRunning(ctx, id, startedAt)
		require.NoError(t, err)
		require.True(t, ok)
	}

	r := newTestReconciler(store, broker, time.Now())
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, report.Failed)

	got, err := jobs.GetByID(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	got, err = jobs.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "worker lost")
}

func TestCleanupPurgesOldFinishedJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	jobs := store.Repos().Jobs

	old := newLedgerEntry(t, store, 0)
	_, _, err := jobs.MarkRunning(ctx, old.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, jobs.MarkCompleted(ctx, old.ID, json.RawMessage(`{}`), time.Now().Add(-48*time.Hour)))

	failed := newLedgerEntry(t, store, 0)
	_, _, err = jobs.MarkRunning(ctx, failed.ID, time.Now())
	require.NoError(t, err)
	_, err = jobs.MarkFailed(ctx, failed.ID, "boom", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	r := newTestReconciler(store, broker, time.Now())
	n, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = jobs.GetByID(ctx, failed.ID)
	assert.NoError(t, err, "failed jobs stay for inspection")
}
