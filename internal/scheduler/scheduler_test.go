package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/tasks"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

func deps(t *testing.T) (*worker.Reconciler, *service.JobService, *memory.Store) {
	t.Helper()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	rec := worker.NewReconciler(store, broker, worker.ReconcilerConfig{}, nil, logger.Nop())
	return rec, service.NewJobService(store, broker, nil, nil, 3, logger.Nop()), store
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	rec, jobs, _ := deps(t)
	_, err := New(Config{ReconcileSchedule: "every minute"}, rec, jobs, logger.Nop())
	assert.Error(t, err)
}

func TestEnqueueReportsAddsOneJobPerOrganization(t *testing.T) {
	rec, jobs, _ := deps(t)
	s, err := New(Config{
		ReconcileSchedule:   "@every 1m",
		CleanupSchedule:     "0 3 * * *",
		ReportOrganizations: []string{"org-1", "org-2"},
	}, rec, jobs, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, s.EnqueueReports(context.Background()))

	entries, err := jobs.ListJobs(context.Background(), repository.JobFilter{Queue: tasks.QueueReports})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var orgs []string
	for _, e := range entries {
		assert.Equal(t, repository.PriorityLow, e.Priority)
		var p tasks.ReportJobPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		orgs = append(orgs, p.OrganizationID)
	}
	assert.ElementsMatch(t, []string{"org-1", "org-2"}, orgs)
}

func TestStartStop(t *testing.T) {
	rec, jobs, _ := deps(t)
	s, err := New(Config{ReconcileSchedule: "@every 1h"}, rec, jobs, logger.Nop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
