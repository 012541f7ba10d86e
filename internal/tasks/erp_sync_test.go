package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/orchestrator"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

type fakeERP struct {
	mu         sync.Mutex
	calls      []map[string]any
	models     []string
	failFor    int // number of leading calls that fail with a transient error
	lostReplay int // number of leading calls that commit but time out
	err        error
	records    map[string]string // model/ref -> id
	searches   int
}

func (f *fakeERP) Create(_ context.Context, model string, values map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, values)
	f.models = append(f.models, model)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.calls) <= f.failFor {
		return nil, fmt.Errorf("connection refused")
	}
	id := fmt.Sprintf("%d", 100+len(f.calls))
	if f.records == nil {
		f.records = map[string]string{}
	}
	f.records[model+"/"+fmt.Sprint(values["ref"])] = id
	if len(f.calls) <= f.lostReplay {
		return nil, context.DeadlineExceeded
	}
	return json.RawMessage(id), nil
}

func (f *fakeERP) SearchRead(_ context.Context, model string, domain []any, _ []string, _ int) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	ref := domain[0].([]any)[2]
	if id, ok := f.records[model+"/"+fmt.Sprint(ref)]; ok {
		return json.RawMessage(`[{"id":` + id + `}]`), nil
	}
	return json.RawMessage(`[]`), nil
}

func (f *fakeERP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func syncJob(t *testing.T, id string, attempts int, p service.SyncJobPayload) *repository.JobEntry {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &repository.JobEntry{ID: id, Queue: QueueERPSync, Payload: raw, Attempts: attempts}
}

func newSync(erp RecordCreator) (*ERPSync, *memory.Store) {
	store := memory.New()
	orch := orchestrator.New(store, orchestrator.Config{FailureThreshold: 5, Cooldown: time.Second}, nil, logger.Nop())
	return NewERPSync(orch, erp, nil, logger.Nop()), store
}

func TestERPSyncCreatesRecordOnce(t *testing.T) {
	erp := &fakeERP{}
	h, store := newSync(erp)
	payload := service.SyncJobPayload{
		RequestID: "req-1", OrganizationID: "org-1", EntityType: "invoice", EntityID: "INV-9",
		EntityData: map[string]any{"amount": 10, "odoo_values": map[string]any{"partner_id": 7}},
	}

	out, err := h.Handle(context.Background(), syncJob(t, "job-1", 1, payload))
	require.NoError(t, err)
	var res SyncResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "account.move", res.Model)
	assert.JSONEq(t, `101`, string(res.RemoteID))
	assert.False(t, res.Replayed)

	require.Equal(t, 1, erp.count())
	assert.Equal(t, "INV-9", erp.calls[0]["ref"])
	assert.EqualValues(t, 7, erp.calls[0]["partner_id"])

	// A retried job with the same request replays the stored outcome.
	out, err = h.Handle(context.Background(), syncJob(t, "job-2", 1, payload))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &res))
	assert.True(t, res.Replayed)
	assert.JSONEq(t, `101`, string(res.RemoteID))
	assert.Equal(t, 1, erp.count())

	rec, err := store.Repos().Idempotency.Get(context.Background(), IntegrationOdoo, service.SyncTriggerRef("req-1"))
	require.NoError(t, err)
	assert.Equal(t, repository.IdempotencyCompleted, rec.Status)
}

func TestERPSyncRejectsBadPayloads(t *testing.T) {
	erp := &fakeERP{}
	h, _ := newSync(erp)

	_, err := h.Handle(context.Background(), &repository.JobEntry{ID: "j", Payload: json.RawMessage(`[`)})
	assert.True(t, errors.IsInvalidInput(err))

	_, err = h.Handle(context.Background(), syncJob(t, "j", 1, service.SyncJobPayload{RequestID: "r", EntityID: "e", EntityType: "timesheet"}))
	assert.True(t, errors.IsInvalidInput(err))

	_, err = h.Handle(context.Background(), syncJob(t, "j", 1, service.SyncJobPayload{EntityType: "invoice"}))
	assert.True(t, errors.IsInvalidInput(err))

	assert.Zero(t, erp.count())
}

func TestERPSyncPropagatesRejectedRecords(t *testing.T) {
	erp := &fakeERP{err: errors.InvalidInput("odoo", "partner required")}
	h, _ := newSync(erp)

	_, err := h.Handle(context.Background(), syncJob(t, "j", 1, service.SyncJobPayload{RequestID: "r", EntityID: "e", EntityType: "expense"}))
	assert.True(t, errors.IsInvalidInput(err))
	assert.Equal(t, []string{"hr.expense"}, erp.models)
}

func TestERPSyncRetriesThroughWorkerPool(t *testing.T) {
	erp := &fakeERP{failFor: 2}
	h, store := newSync(erp)
	broker := queue.NewMemoryBroker()
	pool := worker.NewPool(store, broker, worker.Config{
		Concurrency: 1, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	}, nil, nil, logger.Nop())
	pool.Register(QueueERPSync, h)
	t.Cleanup(func() {
		pool.Stop()
		_ = broker.Close()
	})

	jobs := service.NewJobService(store, broker, nil, nil, 5, logger.Nop())
	raw, err := json.Marshal(service.SyncJobPayload{RequestID: "req-7", EntityID: "INV-7", EntityType: "invoice"})
	require.NoError(t, err)
	added, err := jobs.AddJob(context.Background(), QueueERPSync, raw, service.JobOptions{})
	require.NoError(t, err)

	pool.Start(context.Background())

	var job *repository.JobEntry
	require.Eventually(t, func() bool {
		job, err = jobs.GetJob(context.Background(), added.LedgerJobID)
		return err == nil && job.Status == repository.JobStatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, erp.count())

	entries, err := store.Repos().IntegrationAudit.List(context.Background(), repository.IntegrationAuditFilter{
		IdempotencyKey: service.SyncTriggerRef("req-7"),
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, repository.CallSucceeded, entries[0].Status)
	assert.Equal(t, 3, entries[0].Attempt)
	require.NotNil(t, entries[0].ParentID)
	assert.Equal(t, added.LedgerJobID, *entries[0].ParentID)
}

func TestERPSyncReusesRecordCommittedBeforeTimeout(t *testing.T) {
	erp := &fakeERP{lostReplay: 1}
	h, store := newSync(erp)
	payload := service.SyncJobPayload{RequestID: "req-3", EntityID: "INV-3", EntityType: "invoice"}

	_, err := h.Handle(context.Background(), syncJob(t, "job-3", 1, payload))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	rec, err := store.Repos().Idempotency.Get(context.Background(), IntegrationOdoo, service.SyncTriggerRef("req-3"))
	require.NoError(t, err)
	assert.Equal(t, repository.IdempotencyFailed, rec.Status)

	out, err := h.Handle(context.Background(), syncJob(t, "job-3", 2, payload))
	require.NoError(t, err)
	var res SyncResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.JSONEq(t, `101`, string(res.RemoteID))
	assert.False(t, res.Replayed)

	assert.Equal(t, 1, erp.count(), "the committed record is not created again")
	assert.Equal(t, 2, erp.searches)
}

func TestERPSyncRefCannotBeOverridden(t *testing.T) {
	erp := &fakeERP{}
	h, _ := newSync(erp)
	payload := service.SyncJobPayload{
		RequestID: "req-4", EntityType: "invoice", EntityID: "INV-4",
		EntityData: map[string]any{"odoo_values": map[string]any{"ref": "other"}},
	}

	_, err := h.Handle(context.Background(), syncJob(t, "job-4", 1, payload))
	require.NoError(t, err)
	require.Equal(t, 1, erp.count())
	assert.Equal(t, "INV-4", erp.calls[0]["ref"])
}
